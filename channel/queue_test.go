package channel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnqueueDequeue(t *testing.T) {
	q := NewQueue(4)

	assert.True(t, q.Enqueue(Update{Name: "rpm", Value: Value{Value: 3500, Valid: true}}))
	assert.Equal(t, 1, q.ApproximateSize())

	u, ok := q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "rpm", u.Name)
	assert.Equal(t, 3500.0, u.Value.Value)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestEnqueueFull(t *testing.T) {
	q := NewQueue(2)

	assert.True(t, q.Enqueue(Update{Name: "a"}))
	assert.True(t, q.Enqueue(Update{Name: "b"}))
	// queue is full, update must be dropped without blocking
	assert.False(t, q.Enqueue(Update{Name: "c"}))
	assert.Equal(t, 2, q.ApproximateSize())
}

func TestDequeueBulk(t *testing.T) {
	q := NewQueue(16)
	for i := 0; i < 10; i++ {
		assert.True(t, q.Enqueue(Update{Name: fmt.Sprintf("ch%d", i)}))
	}

	updates := q.DequeueBulk(nil, 4)
	assert.Len(t, updates, 4)
	assert.Equal(t, "ch0", updates[0].Name)
	assert.Equal(t, "ch3", updates[3].Name)

	// remaining items drain on the next call, appended to the same buffer
	updates = q.DequeueBulk(updates[:0], 0)
	assert.Len(t, updates, 6)
	assert.Equal(t, 0, q.ApproximateSize())
}

func TestDequeueBulkDefaultBatch(t *testing.T) {
	q := NewQueue(DefaultBatchSize * 2)
	for i := 0; i < DefaultBatchSize+10; i++ {
		assert.True(t, q.Enqueue(Update{Name: "x"}))
	}

	updates := q.DequeueBulk(nil, 0)
	assert.Len(t, updates, DefaultBatchSize)
	assert.Equal(t, 10, q.ApproximateSize())
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := NewQueue(producers * perProducer)
	wg := sync.WaitGroup{}
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, q.Enqueue(Update{Name: "x"}))
			}
		}()
	}
	wg.Wait()

	var updates []Update
	for {
		drained := q.DequeueBulk(nil, 0)
		if len(drained) == 0 {
			break
		}
		updates = append(updates, drained...)
	}
	assert.Len(t, updates, producers*perProducer)
}
