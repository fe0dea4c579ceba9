// Package bus implements the in-process message bus core of the signaling
// library: per-topic ring-buffered message stores, opaque resumption cursors,
// subscription pumps and the adaptive worker engine that drives them.
package bus

import (
	"github.com/jizhuozhi/go-future"
)

// Message is a single payload published to a topic. The bus never interprets
// the payload.
type Message struct {
	Key   string
	Value []byte
}

// MessageResult is one delivery batch handed to a subscription callback.
// Messages holds id-contiguous per-topic runs concatenated in cursor order;
// Cursor is the serialized position to resume from after this batch. A
// terminal result carries only the cursor (Messages empty, TotalCount zero).
type MessageResult struct {
	Messages   []Message
	Cursor     string
	TotalCount int
}

// Callback delivers a batch to a subscriber. The returned future resolves to
// true to keep the subscription alive or false to stop it; a failed future
// faults the current pump.
type Callback func(result *MessageResult) *future.Future[bool]

// Continue returns a resolved callback result that keeps the subscription
// alive. For synchronous callbacks.
func Continue() *future.Future[bool] {
	p := future.NewPromise[bool]()
	p.Set(true, nil)
	return p.Future()
}

// Stop returns a resolved callback result that stops the subscription.
func Stop() *future.Future[bool] {
	p := future.NewPromise[bool]()
	p.Set(false, nil)
	return p.Future()
}
