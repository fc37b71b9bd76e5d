// Package recovery restores durable work after a restart: jobs and outbox
// messages left claimed by a crashed process, and handover timeouts whose
// jobs were never scheduled.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can repair its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverFunc adapts a function to Recoverable.
type RecoverFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type component struct {
	name string
	r    Recoverable
}

// Manager runs every registered component's recovery in order.
type Manager struct {
	components []component
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a named component.
func (m *Manager) Register(name string, r Recoverable) {
	m.components = append(m.components, component{name: name, r: r})
}

// RecoverAll recovers every component. A failing component does not stop
// the others; all failures are returned together.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.components))

	var errs []error
	for _, c := range m.components {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.r.RecoverState(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		slog.Debug("Manager.RecoverAll: component recovered", "component", c.name)
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", len(m.components)-len(errs), "errors", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components: %w", len(errs), len(m.components), errors.Join(errs...))
	}
	return nil
}
