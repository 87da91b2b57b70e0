package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/alarm-gateway/internal/db"
)

const (
	uniqueViolationCode      = "23505"
	alarmUniqueConstraint    = "alarm_events_alarm_id_device_id_key"
	deviceClientIDConstraint = "devices_client_id_key"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateAlarm is returned when (alarm_id, device_id) already exists
	ErrDuplicateAlarm = errors.New("alarm already exists for device")
	// ErrDuplicateDevice is returned when a device with the same client_id already exists
	ErrDuplicateDevice = errors.New("device already exists")
)

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `id, client_id, name, description, ip_address, port, status, last_connected_at, is_active, created_at, updated_at`

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	err := row.Scan(
		&d.ID,
		&d.ClientID,
		&d.Name,
		&d.Description,
		&d.IPAddress,
		&d.Port,
		&d.Status,
		&d.LastConnectedAt,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDevice retrieves a device by its external client identifier
func (r *Repository) FindDevice(ctx context.Context, clientID string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE client_id = $1`

	device, err := scanDevice(r.pool.QueryRow(ctx, query, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

// CreateDevice inserts a new device record
func (r *Repository) CreateDevice(ctx context.Context, device *db.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		device.ID,
		device.ClientID,
		device.Name,
		device.Description,
		device.IPAddress,
		device.Port,
		device.Status,
		device.LastConnectedAt,
		device.IsActive,
		device.CreatedAt,
		device.UpdatedAt,
	)
	if isUniqueViolation(err, deviceClientIDConstraint) {
		return ErrDuplicateDevice
	}
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// UpdateDeviceStatus sets the stored connection status of a device
func (r *Repository) UpdateDeviceStatus(ctx context.Context, deviceID uuid.UUID, status db.ConnectionStatus, at time.Time) error {
	query := `
		UPDATE devices
		SET status = $1,
		    updated_at = $2,
		    last_connected_at = CASE WHEN $1 = 'connected' THEN $2 ELSE last_connected_at END
		WHERE id = $3
	`

	tag, err := r.pool.Exec(ctx, query, status, at, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDisconnected moves a device to Disconnected unless it already is. It
// reports whether this call performed the transition.
func (r *Repository) MarkDisconnected(ctx context.Context, deviceID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE devices
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> $1
	`

	tag, err := r.pool.Exec(ctx, query, db.StatusDisconnected, at, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to mark device disconnected: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDevicesByStatus returns every device whose stored status matches
func (r *Repository) ListDevicesByStatus(ctx context.Context, status db.ConnectionStatus) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE status = $1 ORDER BY client_id`

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices by status: %w", err)
	}
	defer rows.Close()

	var devices []db.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return devices, nil
}

// FindAlarm retrieves an alarm by its device-scoped identifier
func (r *Repository) FindAlarm(ctx context.Context, alarmID string, deviceID uuid.UUID) (*db.AlarmEvent, error) {
	query := `
		SELECT id, alarm_id, device_id, title, message, alarm_type, severity, alarm_time,
		       zone, numeric_value::float8, unit, additional_data, COALESCE(raw_data, ''),
		       is_acknowledged, is_active, created_at
		FROM alarm_events
		WHERE alarm_id = $1 AND device_id = $2
	`

	var a db.AlarmEvent
	err := r.pool.QueryRow(ctx, query, alarmID, deviceID).Scan(
		&a.ID,
		&a.AlarmID,
		&a.DeviceID,
		&a.Title,
		&a.Message,
		&a.Type,
		&a.Severity,
		&a.AlarmTime,
		&a.Zone,
		&a.NumericValue,
		&a.Unit,
		&a.AdditionalData,
		&a.RawData,
		&a.IsAcknowledged,
		&a.IsActive,
		&a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm: %w", err)
	}
	return &a, nil
}

// InsertAlarm inserts an alarm event. A violation of the (alarm_id, device_id)
// constraint is reported as ErrDuplicateAlarm.
func (r *Repository) InsertAlarm(ctx context.Context, alarm *db.AlarmEvent) error {
	if alarm.ID == uuid.Nil {
		alarm.ID = uuid.New()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO alarm_events (
			id, alarm_id, device_id, title, message, alarm_type, severity, alarm_time,
			zone, numeric_value, unit, additional_data, raw_data, is_acknowledged, is_active, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	var additional any
	if len(alarm.AdditionalData) > 0 {
		additional = []byte(alarm.AdditionalData)
	}

	_, err := r.pool.Exec(ctx, query,
		alarm.ID,
		alarm.AlarmID,
		alarm.DeviceID,
		alarm.Title,
		alarm.Message,
		alarm.Type,
		alarm.Severity,
		alarm.AlarmTime,
		alarm.Zone,
		alarm.NumericValue,
		alarm.Unit,
		additional,
		alarm.RawData,
		alarm.IsAcknowledged,
		alarm.IsActive,
		alarm.CreatedAt,
	)
	if isUniqueViolation(err, alarmUniqueConstraint) {
		return ErrDuplicateAlarm
	}
	if err != nil {
		return fmt.Errorf("failed to insert alarm: %w", err)
	}
	return nil
}

// AppendConnectionEvent appends an immutable connection status record
func (r *Repository) AppendConnectionEvent(ctx context.Context, event *db.ConnectionEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO connection_events (id, device_id, status, message, details, ip_address, port, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.DeviceID,
		event.Status,
		event.Message,
		event.Details,
		event.IPAddress,
		event.Port,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append connection event: %w", err)
	}
	return nil
}

// PruneConnectionEvents deletes connection events that occurred before the cutoff
func (r *Repository) PruneConnectionEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM connection_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune connection events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// isUniqueViolation reports whether err is a unique violation on the named
// constraint. An empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
