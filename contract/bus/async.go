package bus

import "time"

// Queueable indicates that a command prefers to be enqueued for async
// processing. Implement on command types that should be queued by default
// when a JobEnqueuer is configured; DispatchSync always bypasses the queue.
type Queueable interface {
	QueueName() string
	Delay() time.Duration
}
