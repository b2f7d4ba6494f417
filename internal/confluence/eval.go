package confluence

import (
	"fmt"
	"math"
	"time"

	"clearwater/pkg/models"
)

// Trend detection tunables. A trend needs a full window of samples, a
// change rate past the advisory band and a monotonic majority of steps.
const (
	trendSampleCount = 6
	trendWindow      = 30 * time.Minute

	trendAdvisoryRate = 0.10
	trendWarningRate  = 0.20
	trendCriticalRate = 0.30
)

// ResolveBand returns the severity band the value falls into for the
// parameter. Bands are disjoint, so the first match wins.
func ResolveBand(bands []models.ThresholdBand, parameter string, v float64) (models.ThresholdBand, bool) {
	for _, b := range bands {
		if b.Parameter != parameter {
			continue
		}
		if b.Contains(v) {
			return b, true
		}
	}
	return models.ThresholdBand{}, false
}

// TrendResult describes a detected sustained change.
type TrendResult struct {
	Direction  models.TrendDirection
	Severity   models.AlertSeverity
	ChangeRate float64
}

// EvaluateTrend inspects a chronological sample window and reports a
// sustained change. Requires the full window; an oldest value of zero
// makes the relative rate undefined and yields no trend.
func EvaluateTrend(samples []Sample) (TrendResult, bool) {
	if len(samples) < trendSampleCount {
		return TrendResult{}, false
	}
	samples = samples[len(samples)-trendSampleCount:]

	oldest := samples[0].Value
	newest := samples[len(samples)-1].Value
	if oldest == 0 {
		return TrendResult{}, false
	}
	rate := (newest - oldest) / math.Abs(oldest)
	if math.Abs(rate) <= trendAdvisoryRate {
		return TrendResult{}, false
	}

	// Sustained means most consecutive steps move the same way as the
	// overall change.
	rising := 0
	falling := 0
	for i := 1; i < len(samples); i++ {
		switch {
		case samples[i].Value > samples[i-1].Value:
			rising++
		case samples[i].Value < samples[i-1].Value:
			falling++
		}
	}
	steps := len(samples) - 1
	majority := steps/2 + 1

	res := TrendResult{ChangeRate: rate}
	if rate > 0 {
		if rising < majority {
			return TrendResult{}, false
		}
		res.Direction = models.TrendRising
	} else {
		if falling < majority {
			return TrendResult{}, false
		}
		res.Direction = models.TrendFalling
	}

	switch abs := math.Abs(rate); {
	case abs > trendCriticalRate:
		res.Severity = models.SeverityCritical
	case abs > trendWarningRate:
		res.Severity = models.SeverityWarning
	default:
		res.Severity = models.SeverityAdvisory
	}
	return res, true
}

// parameterLabel maps a wire parameter name to its display form.
func parameterLabel(param string) string {
	switch param {
	case models.ParamTurbidity:
		return "Turbidity"
	case models.ParamTDS:
		return "TDS"
	case models.ParamPH:
		return "pH"
	default:
		return param
	}
}

func thresholdMessage(param string, severity models.AlertSeverity, value float64, band models.ThresholdBand) string {
	bound := band.BoundValue()
	if bound == nil {
		return fmt.Sprintf("%s reading %.2f is outside the safe range (%s)", parameterLabel(param), value, severity)
	}
	return fmt.Sprintf("%s reading %.2f crossed the %s threshold %.2f", parameterLabel(param), value, severity, *bound)
}

func trendMessage(param string, res TrendResult, value float64) string {
	return fmt.Sprintf("%s is %s rapidly: %.0f%% change over the last %d samples (now %.2f)",
		parameterLabel(param), res.Direction, math.Abs(res.ChangeRate)*100, trendSampleCount, value)
}

// recommendedAction returns the operator guidance attached to an alert.
func recommendedAction(param string, severity models.AlertSeverity) string {
	switch param {
	case models.ParamTurbidity:
		if severity == models.SeverityCritical {
			return "Stop consumption, inspect filtration and flush the affected line"
		}
		return "Check filtration and recent maintenance on the affected line"
	case models.ParamTDS:
		if severity == models.SeverityCritical {
			return "Stop consumption and verify the treatment stage output"
		}
		return "Verify treatment stage output and recalibrate the sensor if stable"
	case models.ParamPH:
		if severity == models.SeverityCritical {
			return "Stop consumption and check dosing equipment immediately"
		}
		return "Check dosing equipment and confirm with a manual sample"
	default:
		return "Investigate the affected device"
	}
}
