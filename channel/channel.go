// Package channel defines the value types that flow from protocol decoders
// to the broker, and the queue that carries them between threads.
package channel

// Value is a single decoded reading. Valid is false when the decode
// succeeded structurally but the value should not be applied (sentinel or
// fault codes). A Value is never mutated after construction.
type Value struct {
	Value     float64
	Unit      string
	Valid     bool
	Timestamp int64
}

// Update pairs a protocol-native channel name with its new value. Updates
// are owned by the queue between enqueue and dequeue.
type Update struct {
	Name  string
	Value Value
}
