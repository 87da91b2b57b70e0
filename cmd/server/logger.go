package main

import (
	"github.com/septivank/alarm-gateway/internal/config"
	"github.com/septivank/alarm-gateway/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
