// Package pipeline moves chat messages through three stages joined by
// bounded channels:
//
//	Ingest -> input channel -> Transform -> output channel -> Delivery
//
// Transform turns each message into a completion; Delivery persists
// structured completions and replies to the conversation the message came
// from.
package pipeline

import "time"

// Message is user text waiting for transformation.
type Message struct {
	ConversationID string
	Payload        string
	ReceivedAt     time.Time
	TraceID        string
}

// Result is a completion waiting for delivery. Structured completions are
// already compact JSON.
type Result struct {
	ConversationID string
	Payload        string
	TraceID        string
}
