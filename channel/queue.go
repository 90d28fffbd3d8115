package channel

const (
	// DefaultBatchSize bounds a single bulk dequeue so one broker tick
	// cannot stall on a flooded queue.
	DefaultBatchSize = 256

	defaultCapacity = 1024
)

// Queue carries updates from decoder goroutines to the broker goroutine.
// Enqueue never blocks the caller; a full queue drops the update instead,
// since a blocked CAN receive goroutine risks bus-level loss upstream.
// Multiple producers may enqueue concurrently; a single consumer drains.
type Queue struct {
	updates chan Update
}

// NewQueue returns a queue holding at most capacity pending updates.
// A capacity of zero or less selects the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		updates: make(chan Update, capacity),
	}
}

// Enqueue adds an update without blocking. Returns false when the queue is
// full and the update was dropped.
func (q *Queue) Enqueue(u Update) bool {
	select {
	case q.updates <- u:
		return true
	default:
		return false
	}
}

// Dequeue removes a single update. Returns false when the queue is empty.
func (q *Queue) Dequeue() (Update, bool) {
	select {
	case u := <-q.updates:
		return u, true
	default:
		return Update{}, false
	}
}

// DequeueBulk appends up to max pending updates to dst and returns the
// extended slice. A max of zero or less uses DefaultBatchSize. Never blocks.
func (q *Queue) DequeueBulk(dst []Update, max int) []Update {
	if max <= 0 {
		max = DefaultBatchSize
	}
	for i := 0; i < max; i++ {
		select {
		case u := <-q.updates:
			dst = append(dst, u)
		default:
			return dst
		}
	}
	return dst
}

// ApproximateSize reports the pending update count. Advisory only: the
// value is stale as soon as it is read when producers are active.
func (q *Queue) ApproximateSize() int {
	return len(q.updates)
}
