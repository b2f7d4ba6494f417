package confluence

import (
	"testing"
	"time"

	"clearwater/pkg/models"
)

func f(v float64) *float64 { return &v }

func phBands() []models.ThresholdBand {
	return []models.ThresholdBand{
		{Parameter: "ph", Severity: models.SeverityAdvisory, Min: f(8.5), Max: f(9.0)},
		{Parameter: "ph", Severity: models.SeverityWarning, Min: f(9.0), Max: f(9.5)},
		{Parameter: "ph", Severity: models.SeverityCritical, Min: f(9.5)},
		{Parameter: "turbidity", Severity: models.SeverityCritical, Min: f(10.0)},
	}
}

func TestResolveBand(t *testing.T) {
	bands := phBands()

	tests := []struct {
		name    string
		param   string
		value   float64
		wantSev models.AlertSeverity
		wantHit bool
	}{
		{"inside safe range", "ph", 7.0, "", false},
		{"exactly at band minimum stays below", "ph", 8.5, "", false},
		{"advisory band", "ph", 8.7, models.SeverityAdvisory, true},
		{"band maximum is inclusive", "ph", 9.0, models.SeverityAdvisory, true},
		{"warning band", "ph", 9.2, models.SeverityWarning, true},
		{"open-ended critical band", "ph", 12.0, models.SeverityCritical, true},
		{"other parameter bands ignored", "tds", 9.2, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			band, ok := ResolveBand(bands, tt.param, tt.value)
			if ok != tt.wantHit {
				t.Fatalf("hit = %v, want %v", ok, tt.wantHit)
			}
			if ok && band.Severity != tt.wantSev {
				t.Fatalf("severity = %s, want %s", band.Severity, tt.wantSev)
			}
		})
	}
}

func samplesFrom(values ...float64) []Sample {
	base := time.Now().Add(-25 * time.Minute)
	out := make([]Sample, len(values))
	for i, v := range values {
		out[i] = Sample{Value: v, TS: base.Add(time.Duration(i) * 4 * time.Minute)}
	}
	return out
}

func TestEvaluateTrend(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		wantHit bool
		wantDir models.TrendDirection
		wantSev models.AlertSeverity
	}{
		{
			name:    "too few samples",
			values:  []float64{100, 105, 110, 115, 120},
			wantHit: false,
		},
		{
			name:    "flat window",
			values:  []float64{100, 100, 101, 100, 100, 100},
			wantHit: false,
		},
		{
			name:    "rising advisory",
			values:  []float64{100, 102, 105, 107, 110, 112},
			wantHit: true,
			wantDir: models.TrendRising,
			wantSev: models.SeverityAdvisory,
		},
		{
			name:    "rising warning",
			values:  []float64{100, 105, 110, 115, 120, 125},
			wantHit: true,
			wantDir: models.TrendRising,
			wantSev: models.SeverityWarning,
		},
		{
			name:    "falling critical",
			values:  []float64{100, 92, 85, 78, 72, 65},
			wantHit: true,
			wantDir: models.TrendFalling,
			wantSev: models.SeverityCritical,
		},
		{
			name:    "large change without monotonic majority",
			values:  []float64{100, 90, 85, 80, 75, 140},
			wantHit: false,
		},
		{
			name:    "zero baseline yields no rate",
			values:  []float64{0, 10, 20, 30, 40, 50},
			wantHit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := EvaluateTrend(samplesFrom(tt.values...))
			if ok != tt.wantHit {
				t.Fatalf("hit = %v, want %v", ok, tt.wantHit)
			}
			if !ok {
				return
			}
			if res.Direction != tt.wantDir {
				t.Fatalf("direction = %s, want %s", res.Direction, tt.wantDir)
			}
			if res.Severity != tt.wantSev {
				t.Fatalf("severity = %s, want %s", res.Severity, tt.wantSev)
			}
		})
	}
}
