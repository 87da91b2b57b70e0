package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/repository"
	"go.uber.org/zap"
)

// DeviceStore is the persistence the lifecycle coordinator needs
type DeviceStore interface {
	FindDevice(ctx context.Context, clientID string) (*db.Device, error)
	CreateDevice(ctx context.Context, device *db.Device) error
	UpdateDeviceStatus(ctx context.Context, deviceID uuid.UUID, status db.ConnectionStatus, at time.Time) error
	MarkDisconnected(ctx context.Context, deviceID uuid.UUID, at time.Time) (bool, error)
	ListDevicesByStatus(ctx context.Context, status db.ConnectionStatus) ([]db.Device, error)
	AppendConnectionEvent(ctx context.Context, event *db.ConnectionEvent) error
	PruneConnectionEvents(ctx context.Context, before time.Time) (int64, error)
}

// Coordinator keeps persisted device status and connection history in step
// with live sessions
type Coordinator struct {
	store    DeviceStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator creates a new lifecycle coordinator
func NewCoordinator(store DeviceStore, notifier Notifier, logger *zap.Logger) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ClientConnected registers a first-seen device or marks a known one Connected,
// then records the transition
func (c *Coordinator) ClientConnected(ctx context.Context, identity db.DeviceIdentity) (*db.Device, error) {
	now := c.now()

	device, err := c.store.FindDevice(ctx, identity.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		device, err = c.registerDevice(ctx, identity, now)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to find device: %w", err)
	default:
		if err := c.store.UpdateDeviceStatus(ctx, device.ID, db.StatusConnected, now); err != nil {
			return nil, fmt.Errorf("failed to update device status: %w", err)
		}
		device.Status = db.StatusConnected
		device.LastConnectedAt = &now
	}

	ip, port := identity.IP, identity.Port
	event := &db.ConnectionEvent{
		DeviceID:   device.ID,
		Status:     db.StatusConnected,
		Message:    fmt.Sprintf("Client connected from %s:%d", identity.IP, identity.Port),
		IPAddress:  &ip,
		Port:       &port,
		OccurredAt: now,
	}
	if err := c.store.AppendConnectionEvent(ctx, event); err != nil {
		return device, fmt.Errorf("failed to append connection event: %w", err)
	}

	c.logger.Info("client connected",
		zap.String("client_id", identity.ID),
		zap.String("device_id", device.ID.String()),
		zap.String("remote_addr", fmt.Sprintf("%s:%d", identity.IP, identity.Port)),
	)

	c.notifier.OnClientConnected(device, identity)
	return device, nil
}

func (c *Coordinator) registerDevice(ctx context.Context, identity db.DeviceIdentity, now time.Time) (*db.Device, error) {
	description := fmt.Sprintf("Auto-registered TCP client from %s:%d", identity.IP, identity.Port)
	device := &db.Device{
		ID:              uuid.New(),
		ClientID:        identity.ID,
		Name:            "TCP Client " + identity.ID,
		Description:     &description,
		IPAddress:       identity.IP,
		Port:            identity.Port,
		Status:          db.StatusConnected,
		LastConnectedAt: &now,
		IsActive:        true,
		CreatedAt:       now,
	}

	err := c.store.CreateDevice(ctx, device)
	if errors.Is(err, repository.ErrDuplicateDevice) {
		// Lost a registration race; use the winner's row.
		existing, findErr := c.store.FindDevice(ctx, identity.ID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to find device after duplicate registration: %w", findErr)
		}
		if err := c.store.UpdateDeviceStatus(ctx, existing.ID, db.StatusConnected, now); err != nil {
			return nil, fmt.Errorf("failed to update device status: %w", err)
		}
		existing.Status = db.StatusConnected
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	c.logger.Info("device auto-registered",
		zap.String("client_id", identity.ID),
		zap.String("device_id", device.ID.String()),
	)
	return device, nil
}

// ClientDisconnected marks the device Disconnected and records why. The
// session's own terminal status is carried in the event message. A device
// already stored as Disconnected is left untouched.
func (c *Coordinator) ClientDisconnected(ctx context.Context, clientID string, status db.ConnectionStatus, reason string) error {
	device, err := c.store.FindDevice(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to find device: %w", err)
	}
	if device.Status == db.StatusDisconnected {
		return nil
	}

	now := c.now()
	changed, err := c.store.MarkDisconnected(ctx, device.ID, now)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if !changed {
		// Reconciled concurrently.
		return nil
	}
	device.Status = db.StatusDisconnected

	message := fmt.Sprintf("Client disconnected (%s)", status)
	if reason != "" {
		message += ": " + reason
	}
	event := &db.ConnectionEvent{
		DeviceID:   device.ID,
		Status:     db.StatusDisconnected,
		Message:    message,
		OccurredAt: now,
	}
	if err := c.store.AppendConnectionEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append connection event: %w", err)
	}

	c.logger.Info("client disconnected",
		zap.String("client_id", clientID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)

	c.notifier.OnClientDisconnected(device, status, reason)
	return nil
}

// ClientError records a transport error for the device. It does not change the
// stored status.
func (c *Coordinator) ClientError(ctx context.Context, clientID, message, detail string) error {
	device, err := c.store.FindDevice(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to find device: %w", err)
	}

	event := &db.ConnectionEvent{
		DeviceID:   device.ID,
		Status:     db.StatusError,
		Message:    message,
		OccurredAt: c.now(),
	}
	if detail != "" {
		event.Details = &detail
	}
	if err := c.store.AppendConnectionEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append connection event: %w", err)
	}

	c.logger.Warn("client error",
		zap.String("client_id", clientID),
		zap.String("message", message),
		zap.String("detail", detail),
	)

	c.notifier.OnClientError(device, message, detail)
	return nil
}

// Reconcile marks every device stored as Connected that has no live session as
// Disconnected and appends a compensating event. It returns how many devices
// were corrected.
func (c *Coordinator) Reconcile(ctx context.Context, isLive func(clientID string) bool) (int, error) {
	devices, err := c.store.ListDevicesByStatus(ctx, db.StatusConnected)
	if err != nil {
		return 0, fmt.Errorf("failed to list connected devices: %w", err)
	}

	corrected := 0
	for i := range devices {
		device := &devices[i]
		if isLive(device.ClientID) {
			continue
		}

		now := c.now()
		changed, err := c.store.MarkDisconnected(ctx, device.ID, now)
		if err != nil {
			c.logger.Error("failed to reconcile device status",
				zap.Error(err),
				zap.String("client_id", device.ClientID),
			)
			continue
		}
		if !changed {
			continue
		}
		device.Status = db.StatusDisconnected

		event := &db.ConnectionEvent{
			DeviceID:   device.ID,
			Status:     db.StatusDisconnected,
			Message:    "Status synchronized: no live session",
			OccurredAt: now,
		}
		if err := c.store.AppendConnectionEvent(ctx, event); err != nil {
			c.logger.Error("failed to append compensating connection event",
				zap.Error(err),
				zap.String("client_id", device.ClientID),
			)
		}

		c.notifier.OnClientDisconnected(device, db.StatusDisconnected, "status synchronized")
		corrected++
	}

	if corrected > 0 {
		c.logger.Info("device status reconciled", zap.Int("corrected", corrected))
	}
	return corrected, nil
}

// PruneConnectionEvents deletes connection history older than retention
func (c *Coordinator) PruneConnectionEvents(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := c.store.PruneConnectionEvents(ctx, c.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("connection events pruned", zap.Int64("removed", removed))
	}
	return removed, nil
}
