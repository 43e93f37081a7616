// Package supervisor keeps the backend server running for the lifetime of the process.
//
// The restart policy is deliberately unconditional: every return from the server, clean or
// not, is followed immediately by another run with the same configuration. There is no
// backoff, no restart ceiling, and no way to stop the loop short of ending the process.
package supervisor

import (
	"log/slog"

	"github.com/rbright/vhost-device-sound/internal/config"
)

// RunFunc is one blocking run of the backend server.
type RunFunc func(config.SoundConfig)

// Supervisor restarts a RunFunc forever.
type Supervisor struct {
	run    RunFunc
	logger *slog.Logger
}

// New returns a supervisor for run. A nil logger disables restart logging.
func New(run RunFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{run: run, logger: logger}
}

// Forever runs the server with a fresh copy of cfg, restarting it every time it returns.
// It never returns.
func (s *Supervisor) Forever(cfg config.SoundConfig) {
	for iteration := uint64(1); ; iteration++ {
		s.runOnce(cfg.Clone(), iteration)
		s.logger.Info("backend server returned, restarting", "iteration", iteration)
	}
}

// runOnce treats a panic in the server like any other return.
func (s *Supervisor) runOnce(cfg config.SoundConfig, iteration uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backend server panicked", "iteration", iteration, "panic", r)
		}
	}()

	s.logger.Debug("starting backend server", "iteration", iteration, "config", cfg)
	s.run(cfg)
}
