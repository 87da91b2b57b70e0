package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Operator command names accepted on the command queue
const (
	CommandDisconnect    = "disconnect"
	CommandDisconnectAll = "disconnect_all"
	CommandBroadcast     = "broadcast"
	CommandSend          = "send"
)

// ErrInvalidCommand is returned for bodies that cannot be executed
var ErrInvalidCommand = errors.New("invalid command")

// Command is an operator request delivered over AMQP
type Command struct {
	Command  string `json:"command"`
	ClientID string `json:"client_id,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Validate checks the command name and its required fields
func (c Command) Validate() error {
	switch c.Command {
	case CommandDisconnect:
		if c.ClientID == "" {
			return fmt.Errorf("%w: client_id is required for %s", ErrInvalidCommand, c.Command)
		}
	case CommandDisconnectAll:
	case CommandBroadcast:
		if c.Text == "" {
			return fmt.Errorf("%w: text is required for %s", ErrInvalidCommand, c.Command)
		}
	case CommandSend:
		if c.ClientID == "" || c.Text == "" {
			return fmt.Errorf("%w: client_id and text are required for %s", ErrInvalidCommand, c.Command)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, c.Command)
	}
	return nil
}

// SessionController is the part of the TCP server operators can drive
type SessionController interface {
	DisconnectClient(clientID string) bool
	DisconnectAll() int
	Broadcast(ctx context.Context, text string) int
	SendTo(ctx context.Context, clientID, text string) error
}

// CommandService executes operator commands against live sessions
type CommandService struct {
	controller SessionController
	logger     *zap.Logger
}

// NewCommandService creates a new command service
func NewCommandService(controller SessionController, logger *zap.Logger) *CommandService {
	return &CommandService{
		controller: controller,
		logger:     logger,
	}
}

// HandleCommand decodes and executes one command body. Undecodable or unknown
// commands return ErrInvalidCommand; a target that is no longer connected is
// logged and not treated as a failure.
func (s *CommandService) HandleCommand(ctx context.Context, body []byte) error {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: failed to unmarshal command: %v", ErrInvalidCommand, err)
	}

	if err := cmd.Validate(); err != nil {
		return err
	}

	switch cmd.Command {
	case CommandDisconnect:
		if !s.controller.DisconnectClient(cmd.ClientID) {
			s.logger.Warn("disconnect requested for unknown client", zap.String("client_id", cmd.ClientID))
			return nil
		}
		s.logger.Info("client disconnected by operator", zap.String("client_id", cmd.ClientID))

	case CommandDisconnectAll:
		count := s.controller.DisconnectAll()
		s.logger.Info("all clients disconnected by operator", zap.Int("count", count))

	case CommandBroadcast:
		delivered := s.controller.Broadcast(ctx, cmd.Text)
		s.logger.Info("broadcast sent", zap.Int("delivered", delivered))

	case CommandSend:
		if err := s.controller.SendTo(ctx, cmd.ClientID, cmd.Text); err != nil {
			s.logger.Warn("failed to send message to client",
				zap.Error(err),
				zap.String("client_id", cmd.ClientID),
			)
		}
	}

	return nil
}
