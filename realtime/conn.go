// This file contains the Conn struct which represents a WebSocket connection to a
// client. It handles the low-level WebSocket communication, including reading and
// writing frames, pong bookkeeping for the liveness monitor, graceful shutdown,
// and connection lifecycle management.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type frameHandler func(raw []byte, conn *Conn)

// Conn is one open socket together with its session context: the optional
// authenticated user, the project channel it is currently subscribed to
// (mutable, at most one), and the liveness flag the heartbeat cycle reads.
type Conn struct {
	ID            string
	userID        string
	ws            *websocket.Conn
	send          chan []byte
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	isAlive       bool
	projectID     string
	closeHandlers []func(*Conn)
	handler       frameHandler
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
	openedAt      time.Time
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, id, userID string, options *Options) *Conn {
	ctx, cancel := context.WithCancel(mCtx)

	c := &Conn{
		ID:        id,
		userID:    userID,
		ws:        wsConn,
		ctx:       ctx,
		cancel:    cancel,
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		send:      make(chan []byte, options.SendChannelBuffer),
		isAlive:   true,
		options:   options,
		openedAt:  time.Now(),
	}

	wsConn.SetReadLimit(options.MaxMessageSize)

	wsConn.SetPongHandler(func(string) error {
		c.markAlive()

		return nil
	})

	// No custom close handler: the default echoes the close frame and lets
	// ReadMessage return the close error, so a clean client close tears down
	// via the read pump. A handler calling Close would wait on readDone from
	// inside the read pump itself.

	go c.readPump()

	go c.writePump()

	return c
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			messageType, message, err := c.ws.ReadMessage()

			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}

				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorFrame(badRequest("gateway", "Unsupported message type; expected text frame")))

				continue
			}

			c.mutex.RLock()
			handler := c.handler
			c.mutex.RUnlock()

			if handler != nil {
				handler(message, c)
			}
		}
	}
}

func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// SendJSON marshals v and queues it for delivery to the client.
// Returns an error if the connection is closing or if the send buffer stays
// full past the configured send timeout, in which case the connection is
// closed since the client is evidently not draining its socket.
func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return internal("gateway", "Connection with id "+c.ID+" is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = internal("gateway", "Connection with id "+c.ID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return internal("gateway", "Connection with id "+c.ID+" is closing")

	case <-c.ctx.Done():
		return internal("gateway", "Connection with id "+c.ID+" is closing due to context cancellation")

	case c.send <- data:
		return nil
	case <-time.After(c.sendTimeout()):
		go c.Close()

		return timeout("gateway", "send timeout, connection with id "+c.ID+" is closing")
	}
}

// OnFrame registers the handler invoked for every text frame read from the
// client. Frames are dispatched synchronously from the read pump, so a single
// connection's frames are handled in arrival order.
func (c *Conn) OnFrame(handler frameHandler) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.handler = handler
}

// OnClose registers a callback to be executed when the connection closes.
// Callbacks run synchronously during connection cleanup in registration order.
func (c *Conn) OnClose(callback func(*Conn)) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers = append(c.closeHandlers, callback)
}

// UserID returns the authenticated user for this connection, or an empty
// string for anonymous connections.
func (c *Conn) UserID() string {
	return c.userID
}

// Authenticated reports whether the connection carried a verified identity.
func (c *Conn) Authenticated() bool {
	return c.userID != ""
}

// ProjectID returns the project channel this connection is subscribed to,
// or an empty string if it has not subscribed anywhere.
func (c *Conn) ProjectID() string {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return c.projectID
}

func (c *Conn) setProjectID(projectID string) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.projectID = projectID
}

func (c *Conn) markAlive() {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.isAlive = true
}

// swapAlive sets the liveness flag and returns its previous value. The
// heartbeat cycle resets the flag to false right before pinging; a pong
// flips it back before the next tick.
func (c *Conn) swapAlive(alive bool) bool {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	previous := c.isAlive
	c.isAlive = alive
	return previous
}

func (c *Conn) ping() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteWait))
}

// IsActive returns true if the connection can still send and receive frames.
// This method is thread-safe and can be called concurrently.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection.
// It executes all registered close handlers, cancels the context,
// closes the WebSocket connection, and cleans up all channels.
// This method is idempotent and can be called multiple times safely.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(*Conn), len(c.closeHandlers))

		copy(handlersToRun, c.closeHandlers)

		c.mutex.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		close(c.closeChan)

		ws := c.ws

		if !fromReader && ws != nil {
			_ = ws.Close()
		}

		if !fromReader && ws != nil {
			<-c.readDone
		}

		for _, handler := range handlersToRun {
			handler(c)
		}

		if fromReader && ws != nil {
			_ = ws.Close()
		}
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c.options == nil {
		return
	}
	c.options.metrics().Error(component, err)
}

func (c *Conn) sendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
