package confluence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"clearwater/pkg/logging"
	"clearwater/pkg/models"
)

var (
	// ErrDuplicateAlert means an Active alert with the same identity
	// already exists. Callers treat it as success without notifying.
	ErrDuplicateAlert = errors.New("active alert already exists")

	ErrAlertNotFound  = errors.New("alert not found")
	ErrAlertConflict  = errors.New("alert status does not allow this transition")
	ErrDeviceNotFound = errors.New("device not found")
)

// Store is the metadata-store access layer: devices, alerts, thresholds
// and notification recipients.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const deviceColumns = `id, name, type, firmware_version, mac, ip, sensor_kinds,
	status, registered_at, last_seen, building, floor, location_notes`

// GetDevice loads one device. Returns (nil, nil) when the device does not
// exist so cache loaders can negative-cache the absence.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, deviceID)

	var d models.Device
	var status string
	var lastSeen sql.NullTime
	var building, floor, notes sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Type, &d.FirmwareVersion, &d.MAC, &d.IP,
		pq.Array(&d.SensorKinds), &status, &d.RegisteredAt, &lastSeen,
		&building, &floor, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}

	d.Status = models.DeviceStatus(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	if building.String != "" || floor.String != "" || notes.String != "" {
		d.Location = &models.Location{
			Building: building.String,
			Floor:    floor.String,
			Notes:    notes.String,
		}
	}
	return &d, nil
}

// InsertDeviceStub records an unknown device announced on the registration
// topic. The stub has no location, so it stays excluded from data
// processing until an operator assigns one. Re-announcements are no-ops.
func (s *Store) InsertDeviceStub(ctx context.Context, reg models.DeviceRegistration, status models.DeviceStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, type, firmware_version, mac, ip, sensor_kinds, status, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO NOTHING`,
		reg.DeviceID, reg.Name, reg.Type, reg.FirmwareVersion, reg.MAC, reg.IP,
		pq.Array(reg.Sensors), string(status))
	if err != nil {
		return fmt.Errorf("insert device stub %s: %w", reg.DeviceID, err)
	}
	return nil
}

// TouchLastSeen marks the device online, throttled to once per five
// minutes. The predicate carries the throttle so concurrent processor
// instances cannot double-write. Returns whether a row was updated.
func (s *Store) TouchLastSeen(ctx context.Context, deviceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = 'online', last_seen = now()
		WHERE id = $1 AND (last_seen IS NULL OR last_seen <= now() - interval '5 minutes')`,
		deviceID)
	if err != nil {
		return false, fmt.Errorf("touch last_seen %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LoadThresholds loads all configured severity bands.
func (s *Store) LoadThresholds(ctx context.Context) ([]models.ThresholdBand, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parameter, severity, min_value, max_value FROM alert_thresholds`)
	if err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	defer rows.Close()

	var bands []models.ThresholdBand
	for rows.Next() {
		var b models.ThresholdBand
		var severity string
		var minV, maxV sql.NullFloat64
		if err := rows.Scan(&b.Parameter, &severity, &minV, &maxV); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		sev, ok := models.ParseAlertSeverity(severity)
		if !ok {
			s.logger.WithField("severity", severity).Warn("skipping threshold with unknown severity")
			continue
		}
		b.Severity = sev
		if minV.Valid {
			v := minV.Float64
			b.Min = &v
		}
		if maxV.Valid {
			v := maxV.Float64
			b.Max = &v
		}
		bands = append(bands, b)
	}
	return bands, rows.Err()
}

// CreateAlertIfAbsent inserts the alert unless an Active alert with the
// same (device, parameter, kind, severity) identity exists. The
// transaction runs serializable: two concurrent evaluations that both
// probe an empty identity cannot both commit, the loser fails with a
// serialization error and the single retry observes the winner's row.
// The partial unique index on the Active identity backstops this; its
// loser maps to ErrDuplicateAlert as well.
func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert *models.Alert) error {
	err := s.createAlertTx(ctx, alert)
	if isSerializationFailure(err) {
		s.logger.WithField("device_id", alert.DeviceID).Debug("alert insert serialization failure, retrying once")
		err = s.createAlertTx(ctx, alert)
	}
	return err
}

func (s *Store) createAlertTx(ctx context.Context, alert *models.Alert) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM alerts
		WHERE device_id = $1 AND parameter = $2 AND kind = $3 AND severity = $4 AND status = 'Active'
		LIMIT 1
		FOR UPDATE`,
		alert.DeviceID, alert.Parameter, string(alert.Kind), string(alert.Severity)).Scan(&existingID)
	switch {
	case err == nil:
		return ErrDuplicateAlert
	case errors.Is(err, sql.ErrNoRows):
		// No active alert holds this identity; proceed with the insert.
	default:
		return fmt.Errorf("probe active alert: %w", err)
	}

	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.Status = models.AlertActive

	var direction sql.NullString
	if alert.TrendDirection != "" {
		direction = sql.NullString{String: string(alert.TrendDirection), Valid: true}
	}
	var threshold sql.NullFloat64
	if alert.ThresholdValue != nil {
		threshold = sql.NullFloat64{Float64: *alert.ThresholdValue, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, parameter, kind, severity, current_value,
			threshold_value, trend_direction, message, recommended_action, status,
			created_at, notifications_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		alert.ID, alert.DeviceID, alert.Parameter, string(alert.Kind), string(alert.Severity),
		alert.CurrentValue, threshold, direction, alert.Message, alert.RecommendedAction,
		string(alert.Status), alert.CreatedAt, pq.Array([]string{}))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAlert
		}
		return fmt.Errorf("insert alert: %w", err)
	}

	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// isUniqueViolation detects the 23505 raised when the partial unique
// index on Active alerts rejects a concurrent twin.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ListRecipients loads all users with their notification preferences.
func (s *Store) ListRecipients(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, email_notifications, push_notifications, send_scheduled_alerts,
			alert_severities, parameters, device_ids,
			quiet_hours_enabled, quiet_hours_start, quiet_hours_end
		FROM users`)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var severities []string
		var start, end sql.NullString
		if err := rows.Scan(&u.ID, &u.Preferences.Email,
			&u.Preferences.EmailNotifications, &u.Preferences.PushNotifications,
			&u.Preferences.SendScheduledAlerts,
			pq.Array(&severities), pq.Array(&u.Preferences.Parameters),
			pq.Array(&u.Preferences.Devices),
			&u.Preferences.QuietHoursEnabled, &start, &end); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		for _, sev := range severities {
			if parsed, ok := models.ParseAlertSeverity(sev); ok {
				u.Preferences.AlertSeverities = append(u.Preferences.AlertSeverities, parsed)
			}
		}
		u.Preferences.QuietHoursStart = start.String
		u.Preferences.QuietHoursEnd = end.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetNotificationsSent records the users an alert was delivered to.
func (s *Store) SetNotificationsSent(ctx context.Context, alertID string, userIDs []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET notifications_sent = $2 WHERE id = $1`,
		alertID, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("record notifications for alert %s: %w", alertID, err)
	}
	return nil
}

// AcknowledgeAlert moves an Active alert to Acknowledged. The status
// predicate keeps the transition monotonic under concurrent mutations.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'Acknowledged', acknowledged_at = now(), acknowledged_by = $2
		WHERE id = $1 AND status = 'Active'`,
		alertID, userID)
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	return s.mutationOutcome(ctx, res, alertID)
}

// ResolveAlert moves an Active or Acknowledged alert to Resolved.
func (s *Store) ResolveAlert(ctx context.Context, alertID, userID, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'Resolved', resolved_at = now(), resolved_by = $2, resolved_notes = $3
		WHERE id = $1 AND status IN ('Active', 'Acknowledged')`,
		alertID, userID, notes)
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", alertID, err)
	}
	return s.mutationOutcome(ctx, res, alertID)
}

// mutationOutcome distinguishes a missing alert from a disallowed
// transition when the guarded UPDATE touched no rows.
func (s *Store) mutationOutcome(ctx context.Context, res sql.Result, alertID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = $1`, alertID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAlertNotFound
	}
	if err != nil {
		return fmt.Errorf("check alert %s: %w", alertID, err)
	}
	return ErrAlertConflict
}

// GetAlertStatus returns the current lifecycle status of an alert.
func (s *Store) GetAlertStatus(ctx context.Context, alertID string) (models.AlertStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = $1`, alertID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAlertNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load alert %s: %w", alertID, err)
	}
	parsed, ok := models.ParseAlertStatus(status)
	if !ok {
		return "", fmt.Errorf("alert %s has unknown status %q", alertID, status)
	}
	return parsed, nil
}

// PatchDevice applies a partial metadata update. Nil fields stay
// untouched. Assigning building and floor makes the device eligible for
// data processing.
func (s *Store) PatchDevice(ctx context.Context, deviceID string, patch models.DevicePatch) error {
	sets := []string{}
	args := []interface{}{deviceID}
	next := 2

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Type != nil {
		add("type", *patch.Type)
	}
	if patch.FirmwareVersion != nil {
		add("firmware_version", *patch.FirmwareVersion)
	}
	if patch.Status != nil {
		add("status", string(models.ParseDeviceStatus(*patch.Status)))
	}
	if patch.Location != nil {
		add("building", patch.Location.Building)
		add("floor", patch.Location.Floor)
		add("location_notes", patch.Location.Notes)
	}
	if len(sets) == 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("patch device %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
