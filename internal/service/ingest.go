package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/repository"
	"github.com/septivank/alarm-gateway/internal/validator"
	"go.uber.org/zap"
)

// AlarmStore is the persistence the ingestion pipeline needs
type AlarmStore interface {
	FindDevice(ctx context.Context, clientID string) (*db.Device, error)
	FindAlarm(ctx context.Context, alarmID string, deviceID uuid.UUID) (*db.AlarmEvent, error)
	InsertAlarm(ctx context.Context, alarm *db.AlarmEvent) error
}

// IngestService turns raw alarm lines into persisted, deduplicated AlarmEvents
type IngestService struct {
	store     AlarmStore
	validator *validator.Validator
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestService creates a new ingestion service
func NewIngestService(
	store AlarmStore,
	validator *validator.Validator,
	notifier Notifier,
	logger *zap.Logger,
) *IngestService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &IngestService{
		store:     store,
		validator: validator,
		notifier:  notifier,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest decodes, validates, deduplicates and stores one alarm line for the
// device identified by clientID. Rejections wrap ErrDecode, ErrValidation,
// ErrUnknownDevice or ErrDuplicateAlarm; any other error is a storage failure.
func (s *IngestService) Ingest(ctx context.Context, clientID, raw string) (*db.AlarmEvent, error) {
	receivedAt := s.now()

	// The line is stored verbatim, so it must already be valid UTF-8.
	if !utf8.ValidString(raw) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrDecode)
	}

	var payload validator.AlarmPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	alarmTime, result := s.validator.ValidateAlarm(payload, receivedAt)
	if !result.IsValid {
		return nil, &ValidationError{Violations: result.Violations}
	}

	device, err := s.store.FindDevice(ctx, clientID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	// Fast path only; the storage constraint is what actually prevents duplicates.
	_, err = s.store.FindAlarm(ctx, payload.AlarmID, device.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: alarm %s already exists for device %s", ErrDuplicateAlarm, payload.AlarmID, clientID)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing alarm: %w", err)
	}

	alarm := &db.AlarmEvent{
		ID:             uuid.New(),
		AlarmID:        payload.AlarmID,
		DeviceID:       device.ID,
		Title:          strings.TrimSpace(payload.Title),
		Message:        payload.Message,
		Type:           validator.NormalizeType(payload.Type),
		Severity:       validator.NormalizeSeverity(payload.Severity),
		AlarmTime:      alarmTime,
		Zone:           payload.Zone,
		NumericValue:   payload.Value,
		Unit:           payload.Unit,
		AdditionalData: payload.AdditionalData,
		RawData:        raw,
		IsAcknowledged: false,
		IsActive:       true,
		CreatedAt:      receivedAt,
	}

	if err := s.store.InsertAlarm(ctx, alarm); err != nil {
		if errors.Is(err, repository.ErrDuplicateAlarm) {
			return nil, fmt.Errorf("%w: alarm %s already exists for device %s", ErrDuplicateAlarm, payload.AlarmID, clientID)
		}
		return nil, fmt.Errorf("failed to insert alarm: %w", err)
	}

	s.logger.Info("alarm ingested",
		zap.String("client_id", clientID),
		zap.String("device_id", device.ID.String()),
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("severity", alarm.Severity),
	)

	s.notifier.OnNewAlarm(device, alarm)

	return alarm, nil
}

// RejectionReason classifies an Ingest error for logs and metrics
func RejectionReason(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrDuplicateAlarm):
		return "duplicate"
	default:
		return "storage"
	}
}
