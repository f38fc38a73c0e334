package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

// PeerConnection adapts a pion peer connection to the negotiation engine.
type PeerConnection struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(domain.ICECandidate)
	onState     func(domain.ConnectionState)
	videoSSRCs  []uint32
	interrupted bool
}

func newPeerConnection(pc *webrtc.PeerConnection) *PeerConnection {
	p := &PeerConnection{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		cb := p.onCandidate
		p.mu.Unlock()
		if cb != nil {
			cb(domain.ICECandidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := connectionState(s)
		p.mu.Lock()
		cb := p.onState
		resumed := st == domain.ConnectionConnected && p.interrupted
		switch st {
		case domain.ConnectionDisconnected, domain.ConnectionFailed:
			p.interrupted = true
		case domain.ConnectionConnected:
			p.interrupted = false
		}
		p.mu.Unlock()

		if resumed {
			p.requestKeyframes()
		}
		if cb != nil {
			cb(st)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("kind", track.Kind().String()).Uint32("ssrc", uint32(track.SSRC())).Msg("Received remote track")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			p.mu.Lock()
			p.videoSSRCs = append(p.videoSSRCs, uint32(track.SSRC()))
			p.mu.Unlock()
			p.requestKeyframes()
		}
		go drain(track)
	})

	return p
}

// drain reads the remote track so the interceptors keep producing receiver
// reports. Media itself is not consumed.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// requestKeyframes sends a PLI for every remote video stream so the picture
// recovers right after the transport comes back.
func (p *PeerConnection) requestKeyframes() {
	p.mu.Lock()
	ssrcs := append([]uint32(nil), p.videoSSRCs...)
	p.mu.Unlock()
	if len(ssrcs) == 0 {
		return
	}
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: ssrc})
	}
	if err := p.pc.WriteRTCP(pkts); err != nil {
		log.Debug().Err(err).Msg("Keyframe request not sent")
	}
}

func (p *PeerConnection) CreateOffer(ctx context.Context, iceRestart bool) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *PeerConnection) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *PeerConnection) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

// Rollback is a no-op in stable. pion refuses to roll back a local offer, so
// any other state reports port.ErrRollbackUnsupported.
func (p *PeerConnection) Rollback(ctx context.Context) error {
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return fmt.Errorf("%w: in %s", port.ErrRollbackUnsupported, st)
	}
	return nil
}

func (p *PeerConnection) AddICECandidate(ctx context.Context, c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *PeerConnection) SignalingState() domain.SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return domain.SignalingStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return domain.SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return domain.SignalingHaveRemoteOffer
	default:
		return domain.SignalingClosed
	}
}

func (p *PeerConnection) ConnectionState() domain.ConnectionState {
	return connectionState(p.pc.ConnectionState())
}

func (p *PeerConnection) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// Stats derives round-trip time, loss and jitter from the pion stats report.
// RTT comes from the nominated candidate pair, or from RTCP receiver reports
// when no pair measurement exists yet.
func (p *PeerConnection) Stats(ctx context.Context) (domain.TransportStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.TransportStats{}, err
	}
	var (
		out          domain.TransportStats
		pairRTT      float64
		reportRTT    float64
		lost         int64
		received     int64
		jitter       float64
		jitterFrames int
	)
	for _, stat := range p.pc.GetStats() {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				pairRTT = s.CurrentRoundTripTime
			}
		case webrtc.InboundRTPStreamStats:
			lost += int64(s.PacketsLost)
			received += int64(s.PacketsReceived)
			jitter += s.Jitter
			jitterFrames++
		case webrtc.RemoteInboundRTPStreamStats:
			if s.RoundTripTime > 0 {
				reportRTT = s.RoundTripTime
			}
		}
	}

	rtt := pairRTT
	if rtt == 0 {
		rtt = reportRTT
	}
	if rtt == 0 {
		return out, nil
	}
	out.Valid = true
	out.RoundTripTime = seconds(rtt)
	if total := lost + received; total > 0 && lost > 0 {
		out.PacketLoss = float64(lost) / float64(total)
	}
	if jitterFrames > 0 {
		out.Jitter = seconds(jitter / float64(jitterFrames))
	}
	return out, nil
}

func (p *PeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func toPion(desc domain.SessionDescription) (webrtc.SessionDescription, error) {
	switch desc.Type {
	case domain.SDPTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, nil
	case domain.SDPTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp type %q", domain.ErrInvalidArgument, desc.Type)
	}
}

func fromPion(sd webrtc.SessionDescription) domain.SessionDescription {
	t := domain.SDPTypeOffer
	if sd.Type == webrtc.SDPTypeAnswer {
		t = domain.SDPTypeAnswer
	}
	return domain.SessionDescription{Type: t, SDP: sd.SDP}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
