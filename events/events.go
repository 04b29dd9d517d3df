package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity accepts the names String returns, in any case.
func ParseSeverity(name string) (Severity, error) {
	for s := SeverityInfo; s <= SeverityCritical; s++ {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Type string

const (
	PeerConnected    Type = "peer_connected"
	PeerDisconnected Type = "peer_disconnected"
	PeerBanned       Type = "peer_banned"
	PeerTimeout      Type = "peer_timeout"
	OversizedMessage Type = "oversized_message"
	MalformedMessage Type = "malformed_message"
	RateLimited      Type = "rate_limited"

	BlockAccepted  Type = "block_accepted"
	BlockRejected  Type = "block_rejected"
	InvalidPoW     Type = "invalid_pow"
	ChainReorg     Type = "chain_reorg"
	ReorgRejected  Type = "reorg_rejected"
	TxRejected     Type = "tx_rejected"
	InvalidSig     Type = "invalid_signature"
	DoubleSpend    Type = "double_spend"
	StorageFailure Type = "storage_failure"
)

// Event is one structured security-relevant occurrence.
type Event struct {
	ID       string            `json:"id"`
	Time     time.Time         `json:"time"`
	Type     Type              `json:"type"`
	Severity Severity          `json:"severity"`
	Peer     string            `json:"peer,omitempty"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ Type, sev Severity, peer, message string) Event {
	return Event{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Type:     typ,
		Severity: sev,
		Peer:     peer,
		Message:  message,
	}
}

// With returns e with an extra field.
func (e Event) With(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Emitter receives events. Emit must not block on slow sinks for long and
// must be safe for concurrent use.
type Emitter interface {
	Emit(e Event)
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards every event.
var Nop Emitter = nop{}

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi fans every event out to all emitters.
func Multi(emitters ...Emitter) Emitter {
	return multi(emitters)
}

// Recorder keeps events in memory. Tests use it to assert on emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of typ were recorded.
func (r *Recorder) Count(typ Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}
