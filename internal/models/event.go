package models

// EventKind names one of the globally scoped stream events emitted by a backend.
type EventKind string

const (
	// EventChunk carries one incremental fragment of a streamed response.
	EventChunk EventKind = "ollama_stream_chunk"
	// EventDone signals that the current stream finished successfully.
	EventDone EventKind = "ollama_stream_done"
	// EventError signals that the current stream failed on the backend side.
	EventError EventKind = "ollama_stream_error"
)

// StreamKinds lists every event kind that belongs to a stream, in the order a session subscribes to them.
var StreamKinds = []EventKind{EventChunk, EventDone, EventError}

// StreamChunk is the payload of an EventChunk event.
type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// StreamError is the payload of an EventError event.
type StreamError struct {
	Message string `json:"error"`
}

// Event is a decoded stream event. Only the payload matching Kind is filled.
type Event struct {
	Kind EventKind

	// Chunk would be filled if Kind is EventChunk.
	Chunk StreamChunk
	// Error would be filled if Kind is EventError.
	Error StreamError
}
