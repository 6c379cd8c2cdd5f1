package bus

import "context"

// JobEnqueuer abstracts command enqueue operations.
// Library users provide an implementation backed by their queue/broker.
type JobEnqueuer interface {
	EnqueueCommand(ctx context.Context, cmd Command, opts QueueOptions) error
}
