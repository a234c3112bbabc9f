package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
)

// Func releases one component. It should return promptly once ctx is done.
type Func func(ctx context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager runs registered shutdown steps in registration order, so producers stop before
// the things they write to.
type Manager struct {
	steps   []step
	timeout time.Duration
	mu      sync.Mutex
	done    bool
}

func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, step{name: name, fn: fn})
	logutils.Log.WithField("service", name).Debug("Service registered for graceful shutdown")
}

// WaitForSignal blocks until SIGINT, SIGTERM or ctx ends, then runs Shutdown.
func (m *Manager) WaitForSignal(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logutils.Log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
		logutils.Log.Info("Context canceled, shutting down")
	}
	return m.Shutdown()
}

// Shutdown runs every step once. A failing step is logged and does not stop later ones.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	steps := append([]step(nil), m.steps...)
	m.mu.Unlock()

	logutils.Log.Info("Starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(ctx); err != nil {
			logutils.Log.WithError(err).WithField("service", s.name).Error("Error during service shutdown")
			errs = append(errs, fmt.Errorf("service %s shutdown failed: %w", s.name, err))
			continue
		}
		logutils.Log.WithFields(map[string]any{
			"service": s.name,
			"elapsed": time.Since(start).String(),
		}).Info("Service shutdown completed")
	}
	if ctx.Err() != nil {
		logutils.Log.Warn("Shutdown timeout exceeded")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", ctx.Err()))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logutils.Log.Info("Graceful shutdown completed successfully")
	return nil
}
