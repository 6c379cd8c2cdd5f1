// Package inmemory provides a recording JobEnqueuer for tests and local
// development: enqueued commands are captured, never executed.
package inmemory

import (
	"context"
	"sync"

	cbus "github.com/storyloom/loom-core/contract/bus"
)

// Enqueuer records every enqueued command. Safe for concurrent use.
type Enqueuer struct {
	mu       sync.Mutex
	Commands []cbus.Command
	Opts     []cbus.QueueOptions
}

var _ cbus.JobEnqueuer = (*Enqueuer)(nil)

// New creates an empty recording enqueuer.
func New() *Enqueuer { return &Enqueuer{} }

// EnqueueCommand implements cbus.JobEnqueuer.
func (e *Enqueuer) EnqueueCommand(ctx context.Context, cmd cbus.Command, opts cbus.QueueOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.Commands = append(e.Commands, cmd)
	e.Opts = append(e.Opts, opts)

	return nil
}

// Len returns how many commands were enqueued.
func (e *Enqueuer) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.Commands)
}
