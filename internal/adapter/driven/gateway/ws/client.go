package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

const (
	defaultWriteTimeout = 5 * time.Second
	sendBufferSize      = 256
)

var ErrSendBufferFull = errors.New("send buffer full")

// Client is one websocket connection of a user. Frames are queued on a
// buffered channel and written by a single write pump, so a slow socket never
// blocks the sender.
type Client struct {
	id     domain.ConnectionID
	userID domain.UserID
	conn   *websocket.Conn

	send         chan domain.Frame
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	pumpDone  chan struct{}
}

func NewClient(userID domain.UserID, conn *websocket.Conn) *Client {
	c := &Client{
		id:           domain.NewConnectionID(),
		userID:       userID,
		conn:         conn,
		send:         make(chan domain.Frame, sendBufferSize),
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Client) ID() domain.ConnectionID {
	return c.id
}

func (c *Client) UserID() domain.UserID {
	return c.userID
}

// Send queues a frame. It fails when the connection is closed or its buffer
// is full; a full buffer means the reader is not keeping up.
func (c *Client) Send(frame domain.Frame) error {
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) writePump() {
	defer close(c.pumpDone)
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame, time.Now().Add(c.writeTimeout)); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id.String()).Msg("Write pump stopped")
				c.markClosed()
				return
			}
		case <-c.closed:
			// Flush what was queued before the close, bounded by one write timeout.
			deadline := time.Now().Add(c.writeTimeout)
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame, deadline); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) write(frame domain.Frame, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// Ping writes a control ping used as keepalive. WriteControl may run
// concurrently with the write pump.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close stops accepting frames, lets the pump flush the queue and closes the
// socket.
func (c *Client) Close() error {
	c.markClosed()
	<-c.pumpDone
	return nil
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) Done() <-chan struct{} {
	return c.closed
}
