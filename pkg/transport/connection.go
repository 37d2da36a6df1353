package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// ErrClosed is returned by Send once the underlying socket is gone.
var ErrClosed = errors.New("transport: connection closed")

// ErrBufferFull is returned by Send when the outbound buffer is saturated.
// Delivery is best-effort, so the frame is dropped rather than blocking the
// caller behind a slow consumer.
var ErrBufferFull = errors.New("transport: send buffer full")

// MessageHandler is the callback executed when a frame is received.
type MessageHandler func(ctx context.Context, conn *Connection, msg []byte)

// CloseHandler is the callback executed exactly once when the connection dies.
type CloseHandler func(conn *Connection, err error)

type Config struct {
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Connection wraps a single WebSocket connection with a buffered, thread-safe
// send path and goroutine read/write pumps.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	// The waitgroup slot is claimed here rather than in Run so that a Close
	// racing in before the pumps start still has a matching Add.
	wg.Add(1)
	return &Connection{
		id:     id,
		conn:   conn,
		config: cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps frames from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	if c.config.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageBytes)
	}
	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			if cancelRead != nil {
				cancelRead()
			}
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		msg, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c, msg)
		}
	}
}

// writePump drains the send channel onto the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send enqueues a frame for delivery. It never blocks: a closed connection
// returns ErrClosed and a saturated buffer drops the frame with ErrBufferFull.
func (c *Connection) Send(msg []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		c.logger.Warn("dropping frame: send buffer full")
		return ErrBufferFull
	}
}

// Close tears the connection down exactly once and fires the close handler.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("connection closing", slog.Any("reason", err))

		// The send channel is deliberately left open; concurrent senders
		// observe the cancelled context instead of a closed channel.
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler CloseHandler) {
	c.onClose = handler
}
