package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/adapter/driven/gateway/ws"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

const (
	maxFrameSize = 64 << 10
	laneSize     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication and origin policy live in front of the relay.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the connection for the user
// named by the user query parameter.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := domain.ParseUserID(r.URL.Query().Get("user"))
	if err != nil {
		http.Error(w, "missing or invalid user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := ws.NewClient(userID, conn)
	l := log.With().
		Str("user_id", userID.String()).
		Str("conn_id", client.ID().String()).
		Str("request_id", middleware.GetReqID(r.Context())).
		Logger()
	l.Info().Msg("New client connected")

	h.Hub.Add(client)
	defer func() {
		h.Hub.Remove(client)
		client.Close()
		l.Info().Msg("Client disconnected")
	}()

	pongWait := 2 * h.PingInterval
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.keepalive(client, l)

	// Call control and media signals run on separate ordered lanes so a
	// signal stuck in delivery retry never delays a hangup, and neither
	// blocks the read loop.
	ctx := r.Context()
	signalCtx, cancelSignals := context.WithCancel(ctx)
	control := make(chan domain.Frame, laneSize)
	signals := make(chan domain.Frame, laneSize)
	var wg sync.WaitGroup
	wg.Add(2)
	go h.runLane(ctx, client, control, l, &wg)
	go h.runLane(signalCtx, client, signals, l, &wg)
	defer func() {
		close(control)
		close(signals)
		cancelSignals()
		wg.Wait()
	}()

	for {
		var frame domain.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if isSignal(frame.Type) {
			signals <- frame
		} else {
			control <- frame
		}
	}
}

func (h *Handler) runLane(ctx context.Context, client *ws.Client, frames <-chan domain.Frame, l zerolog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	for frame := range frames {
		h.dispatch(ctx, client, frame, l)
	}
}

func isSignal(t domain.EventType) bool {
	switch t {
	case domain.EventOffer, domain.EventAnswerSDP, domain.EventICECandidate, domain.EventRequestOffer, domain.EventMediaControl:
		return true
	}
	return false
}

func (h *Handler) keepalive(client *ws.Client, l zerolog.Logger) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				l.Debug().Err(err).Msg("Ping failed")
				client.Close()
				return
			}
		}
	}
}

// dispatch routes one client frame to the call broker. Synchronous failures
// are reported back to the originating connection as call-error.
func (h *Handler) dispatch(ctx context.Context, client *ws.Client, frame domain.Frame, l zerolog.Logger) {
	from := client.UserID()
	var (
		callID domain.CallID
		err    error
	)

	switch frame.Type {
	case domain.EventInitiate:
		var req domain.InitiateRequest
		if err = decode(frame, &req); err != nil {
			break
		}
		callID = req.CallID
		var rec domain.CallRecord
		rec, err = h.Calls.Initiate(ctx, from, req)
		if err == nil && rec.State == domain.CallStateRinging {
			h.reply(client, domain.EventInitiated, domain.InitiatedPayload{
				CallID:      rec.CallID,
				RecipientID: rec.RecipientID,
				CallType:    rec.Type,
				State:       rec.State,
			}, l)
		}

	case domain.EventAnswer:
		var req domain.AnswerRequest
		if err = decode(frame, &req); err != nil {
			break
		}
		callID = req.CallID
		_, err = h.Calls.Answer(ctx, from, req)

	case domain.EventConnected:
		var req domain.ConnectedRequest
		if err = decode(frame, &req); err != nil {
			break
		}
		callID = req.CallID
		err = h.Calls.MarkConnected(ctx, from, req.CallID)

	case domain.EventHangup:
		var req domain.HangupRequest
		if err = decode(frame, &req); err != nil {
			break
		}
		callID = req.CallID
		err = h.Calls.Hangup(ctx, from, req.CallID)

	case domain.EventMediaControl:
		var req domain.MediaControlRequest
		if err = decode(frame, &req); err != nil {
			break
		}
		callID = req.CallID
		err = h.Calls.MediaControl(ctx, from, req)

	case domain.EventOffer, domain.EventAnswerSDP, domain.EventICECandidate, domain.EventRequestOffer:
		var env domain.SignalEnvelope
		if err = decode(frame, &env); err != nil {
			break
		}
		env.Type, _ = domain.SignalTypeFromEvent(frame.Type)
		callID = env.CallID
		err = h.Calls.RelaySignal(ctx, from, env)

	default:
		err = fmt.Errorf("%w: unknown event %q", domain.ErrInvalidArgument, frame.Type)
	}

	if err != nil {
		l.Warn().Err(err).Str("event", string(frame.Type)).Str("call_id", callID.String()).Msg("Request rejected")
		h.reply(client, domain.EventCallError, domain.CallErrorPayload{
			Reason: domain.ErrorReason(err),
			CallID: callID,
		}, l)
	}
}

func (h *Handler) reply(client *ws.Client, t domain.EventType, payload any, l zerolog.Logger) {
	frame, err := domain.Event{Type: t, Payload: payload}.Frame()
	if err == nil {
		err = client.Send(frame)
	}
	if err != nil {
		l.Debug().Err(err).Str("event", string(t)).Msg("Reply not delivered")
	}
}

func decode(frame domain.Frame, v any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", domain.ErrInvalidArgument, frame.Type)
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidArgument, frame.Type, err)
	}
	return nil
}
