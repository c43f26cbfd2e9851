// Package control stores advisory cancel/pause/resume signals addressable by
// trace or by task. Actors poll at capability boundaries; signals never force
// termination.
package control

import (
	"context"
	"fmt"
	"time"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// Scope selects the key family a signal is stored under.
type Scope string

const (
	ScopeTrace Scope = "trace"
	ScopeTask  Scope = "task"
)

// Store is the control signal contract. Set overwrites the current signal
// for (scope, id). Get resolves with task-scoped precedence: if taskID has a
// signal it wins, otherwise the trace-scoped one applies, otherwise none.
type Store interface {
	Set(ctx context.Context, scope Scope, id string, signal v1.ControlSignal) error
	Get(ctx context.Context, traceID, taskID string) (v1.ControlSignal, bool, error)
	Clear(ctx context.Context, scope Scope, id string) error
}

// signalTTL bounds how long a stale signal can linger. Signals are meaningful
// only while their trace is alive, and traces are far shorter than a day.
const signalTTL = 24 * time.Hour

// key builds the storage key for a scoped signal.
func key(scope Scope, id string) string {
	return fmt.Sprintf("cmd:%s:%s", scope, id)
}
