package interfaces

// Connection is one relay-side client connection.
type Connection interface {
	// Emit frames data as event and queues it for the single writer.
	Emit(event string, data interface{}) error

	// Close closes the connection and releases its writer goroutine.
	Close() error

	// ID is unique per connection; UserID is the optional self-declared user.
	ID() string
	UserID() string
}
