// Package ws is the peer-side connection to the signaling relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	maxFrameSize     = 64 << 10
)

// Handler receives relay events. Methods are called from the read loop one at
// a time.
type Handler interface {
	OnInitiated(p domain.InitiatedPayload)
	OnIncoming(p domain.IncomingPayload)
	OnAnswered(p domain.AnsweredPayload)
	OnMissed(p domain.MissedPayload)
	OnHangup(p domain.HangupPayload)
	OnMediaControl(p domain.MediaControlPayload)
	OnCallError(p domain.CallErrorPayload)
	OnDeliveryFailed(p domain.DeliveryFailedPayload)
	OnSignal(env domain.SignalEnvelope)
}

// Client is one user's websocket connection to the relay.
type Client struct {
	userID  domain.UserID
	conn    *websocket.Conn
	handler Handler

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay's websocket endpoint as userID. relayURL is the
// full endpoint URL, for example ws://localhost:8080/ws.
func Dial(ctx context.Context, relayURL string, userID domain.UserID, handler Handler) (*Client, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID.String())
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &Client{
		userID:  userID,
		conn:    conn,
		handler: handler,
		closed:  make(chan struct{}),
	}, nil
}

func (c *Client) UserID() domain.UserID {
	return c.userID
}

// Run reads relay frames until the connection closes or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()

	for {
		var frame domain.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
				return ctx.Err()
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read relay: %w", err)
		}
		if err := c.dispatch(frame); err != nil {
			log.Warn().Err(err).Str("event", string(frame.Type)).Msg("Dropping relay frame")
		}
	}
}

func (c *Client) dispatch(frame domain.Frame) error {
	switch frame.Type {
	case domain.EventInitiated:
		var p domain.InitiatedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnInitiated(p)
	case domain.EventIncoming:
		var p domain.IncomingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnIncoming(p)
	case domain.EventAnswered:
		var p domain.AnsweredPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnAnswered(p)
	case domain.EventMissed:
		var p domain.MissedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnMissed(p)
	case domain.EventHangup:
		var p domain.HangupPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnHangup(p)
	case domain.EventMediaControl:
		var p domain.MediaControlPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnMediaControl(p)
	case domain.EventCallError:
		var p domain.CallErrorPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnCallError(p)
	case domain.EventDeliveryFailed:
		var p domain.DeliveryFailedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return err
		}
		c.handler.OnDeliveryFailed(p)
	case domain.EventOffer, domain.EventAnswerSDP, domain.EventICECandidate, domain.EventRequestOffer:
		var env domain.SignalEnvelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			return err
		}
		env.Type, _ = domain.SignalTypeFromEvent(frame.Type)
		c.handler.OnSignal(env)
	default:
		return fmt.Errorf("%w: unknown event %q", domain.ErrInvalidArgument, frame.Type)
	}
	return nil
}

// SendSignal forwards a negotiation signal to the remote peer through the
// relay.
func (c *Client) SendSignal(ctx context.Context, env domain.SignalEnvelope) error {
	t := env.Type.Event()
	if t == "" {
		return fmt.Errorf("%w: signal type %q", domain.ErrInvalidArgument, env.Type)
	}
	return c.send(ctx, t, env)
}

func (c *Client) Initiate(ctx context.Context, req domain.InitiateRequest) error {
	return c.send(ctx, domain.EventInitiate, req)
}

func (c *Client) Answer(ctx context.Context, req domain.AnswerRequest) error {
	return c.send(ctx, domain.EventAnswer, req)
}

// Connected reports that the media path for callID is up.
func (c *Client) Connected(ctx context.Context, callID domain.CallID) error {
	return c.send(ctx, domain.EventConnected, domain.ConnectedRequest{CallID: callID})
}

func (c *Client) Hangup(ctx context.Context, req domain.HangupRequest) error {
	return c.send(ctx, domain.EventHangup, req)
}

func (c *Client) MediaControl(ctx context.Context, req domain.MediaControlRequest) error {
	return c.send(ctx, domain.EventMediaControl, req)
}

func (c *Client) send(ctx context.Context, t domain.EventType, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}
	frame, err := domain.Event{Type: t, Payload: payload}.Frame()
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) Done() <-chan struct{} {
	return c.closed
}
