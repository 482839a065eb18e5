package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection wraps one relay client socket. All writes go through a single
// writer goroutine; gorilla connections do not support concurrent writers.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	id        string
	userID    string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer. userID is whatever the
// client declared on the upgrade request and may be empty. A buffer of
// zero or less uses the default of 100 queued frames.
func NewConnection(conn *websocket.Conn, userID string, buffer int) *Connection {
	if buffer <= 0 {
		buffer = writeBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    conn,
		writeCh: make(chan []byte, buffer),
		id:      uuid.New().String(),
		userID:  userID,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Emit frames data as event and queues it for the writer.
func (c *Connection) Emit(event string, data interface{}) error {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.WriteJSON(env)
}

// WriteJSON marshals v and queues it, waiting at most writeTimeout for
// room in the buffer.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Ping sends a control frame. Control frames may be written concurrently
// with WriteMessage.
func (c *Connection) Ping(deadline time.Time) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close stops the writer and closes the socket. It is safe to call twice.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }
