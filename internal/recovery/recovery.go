// Package recovery runs the startup passes that finish work a previous
// process left behind: claimed jobs, in-flight outbox messages and escalations
// whose resolution was recorded but not rolled forward.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable restores one component's state and reports how many records it touched.
type Recoverable interface {
	RecoverState(ctx context.Context) (int, error)
}

// Func adapts a counting recovery function to Recoverable.
type Func func(ctx context.Context) (int, error)

func (f Func) RecoverState(ctx context.Context) (int, error) { return f(ctx) }

// Uncounted adapts a recovery function that reports no count.
func Uncounted(fn func(ctx context.Context) error) Recoverable {
	return Func(func(ctx context.Context) (int, error) { return 0, fn(ctx) })
}

type component struct {
	name string
	r    Recoverable
}

// RecoveryManager runs registered components in registration order.
type RecoveryManager struct {
	components []component
}

// NewRecoveryManager creates an empty manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{}
}

// RegisterRecoverable adds a named component.
func (rm *RecoveryManager) RegisterRecoverable(name string, r Recoverable) {
	rm.components = append(rm.components, component{name: name, r: r})
}

// RecoverAll runs every component, even after a failure, and returns an error
// naming how many failed.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("RecoveryManager.RecoverAll: starting application recovery", "components", len(rm.components))

	recoveredCount := 0
	errorCount := 0
	for _, c := range rm.components {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.r.RecoverState(ctx)
		if err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", c.name, "error", err)
			errorCount++
			continue
		}
		if n > 0 {
			slog.Warn("RecoveryManager.RecoverAll: recovered interrupted work", "component", c.name, "count", n)
		}
		recoveredCount++
	}

	slog.Info("RecoveryManager.RecoverAll: application recovery completed", "recovered", recoveredCount, "errors", errorCount)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.components))
	}
	return nil
}
