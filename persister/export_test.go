package persister

// QueueLen and Queued expose the eviction queue to tests.
func (q *writeQueue) QueueLen() int { return len(q.entries) }

func (q *writeQueue) Queued() []QueuedEntry {
	return append([]QueuedEntry(nil), q.entries...)
}
