package bus

// QueueOptions represents enqueue parameters for commands.
// DelaySeconds is preferred over time units for transport-agnostic mapping.
type QueueOptions struct {
	Queue        string
	DelaySeconds int
	Headers      map[string]string
}
