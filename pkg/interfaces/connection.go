package interfaces

// Connection is a live transport channel to one client process.
// Implementations must be safe for concurrent use: WriteJSON is called by
// many goroutines (fan-out, presence, typing) and writes must be serialized.
type Connection interface {
	// ID is unique per transport connection and never reused.
	ID() string

	// Identity returns the identity bound at announce time, or "" before.
	Identity() string

	// WriteJSON queues v for delivery. A nil error means the event was
	// handed to the connection.
	WriteJSON(v interface{}) error

	// Close stops delivery and releases the transport. Safe to call twice.
	Close() error
}
