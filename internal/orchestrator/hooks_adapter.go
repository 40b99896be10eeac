package orchestrator

import (
	"context"

	"github.com/steroidsdev/steroids/internal/clockutil"
	"github.com/steroidsdev/steroids/internal/hooks"
)

// DispatcherEmitter adapts a *hooks.Dispatcher to the HookEmitter seam: the
// loop only ever fires a named event plus a flat payload, never touching
// the dispatcher's sink configuration directly.
type DispatcherEmitter struct {
	Dispatcher *hooks.Dispatcher
	Project    hooks.ProjectRef
	Clock      clockutil.Clock
}

func NewDispatcherEmitter(d *hooks.Dispatcher, project hooks.ProjectRef, clock clockutil.Clock) *DispatcherEmitter {
	if clock == nil {
		clock = clockutil.RealClock{}
	}
	return &DispatcherEmitter{Dispatcher: d, Project: project, Clock: clock}
}

func (e *DispatcherEmitter) Emit(ctx context.Context, event string, payload map[string]any) {
	ev := hooks.NewEvent(event, e.Project, e.Clock.Now(), payload)
	e.Dispatcher.Emit(ctx, ev)
}
