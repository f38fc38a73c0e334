package negotiation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// Reasons carried by request-offer signals.
const (
	ReasonRenegotiate = "renegotiate"
	ReasonReconnect   = "reconnect"
)

// Payload is the peer-to-peer body of a signal envelope. The relay never
// looks inside it.
type Payload struct {
	SDP       *domain.SessionDescription `json:"sdp,omitempty"`
	Candidate *domain.ICECandidate       `json:"candidate,omitempty"`
	SignalID  string                     `json:"signalId,omitempty"`
	// Epoch is the sender's connection generation. Ack is the sender's view
	// of the receiver's epoch and lets answers to a discarded connection be
	// recognized.
	Epoch  uint32 `json:"epoch"`
	Ack    uint32 `json:"ack"`
	Reason string `json:"reason,omitempty"`
}

// SignalID derives a stable identifier from a session description. The
// origin line is used when the SDP parses; the content digest is always part
// of it.
func SignalID(desc domain.SessionDescription) string {
	sum := sha256.Sum256([]byte(desc.SDP))
	digest := hex.EncodeToString(sum[:8])

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err == nil {
		return fmt.Sprintf("%s-%d-%d-%s", desc.Type, parsed.Origin.SessionID, parsed.Origin.SessionVersion, digest)
	}
	return string(desc.Type) + "-" + digest
}

func candidateFingerprint(c domain.ICECandidate, epoch uint32) string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return strconv.FormatUint(uint64(epoch), 10) + "|" + mid + "|" + c.Candidate
}

// fingerprints is a bounded insertion-ordered set. The oldest entry is
// forgotten once max is reached.
type fingerprints struct {
	max   int
	order []string
	seen  map[string]struct{}
}

func newFingerprints(max int) *fingerprints {
	if max < 1 {
		max = 1
	}
	return &fingerprints{max: max, seen: make(map[string]struct{})}
}

// Add reports whether fp was not yet present.
func (f *fingerprints) Add(fp string) bool {
	if _, ok := f.seen[fp]; ok {
		return false
	}
	if len(f.order) >= f.max {
		delete(f.seen, f.order[0])
		f.order = f.order[1:]
	}
	f.order = append(f.order, fp)
	f.seen[fp] = struct{}{}
	return true
}

func (f *fingerprints) Has(fp string) bool {
	_, ok := f.seen[fp]
	return ok
}

func (f *fingerprints) Reset() {
	f.order = nil
	f.seen = make(map[string]struct{})
}

func (f *fingerprints) Len() int { return len(f.order) }
