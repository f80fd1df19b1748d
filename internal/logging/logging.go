// Package logging builds the process-wide structured logger. Every
// internal error path attaches correlation fields (conn_id, account_id,
// channel_id, code) per §7 rather than formatting ad-hoc strings.
package logging

import (
	"go.uber.org/zap"
)

// New builds a SugaredLogger appropriate for env ("production" gets JSON
// output and info level; anything else gets human-readable console output
// and debug level).
func New(env string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// WithConn returns a child logger tagged with a connection id, for use
// through the lifetime of one C6 session coordinator.
func WithConn(log *zap.SugaredLogger, connID string) *zap.SugaredLogger {
	return log.With("conn_id", connID)
}
