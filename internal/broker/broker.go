package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/nsbus/internal/observability"
	"github.com/danmuck/nsbus/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidPeerID = errors.New("broker: invalid peer id")
	ErrPeerExists    = errors.New("broker: peer already attached")
	ErrUnknownPeer   = errors.New("broker: unknown peer")
	ErrNotProvider   = errors.New("broker: sender does not provide namespace")
	ErrNilMessage    = errors.New("broker: nil message")

	// ErrUnsupportedMessage is returned for Message implementations other
	// than the five value variants, such as pointers to them.
	ErrUnsupportedMessage = errors.New("broker: unsupported message type")
)

// Peer is one attached endpoint. Send must not block on the network; the
// server hands messages to a per-connection queue.
type Peer interface {
	ID() string
	Send(protocol.Message) error
}

// Config controls routing policy.
type Config struct {
	// RequireProvider rejects events from peers that hold no provision
	// containing the event namespace.
	RequireProvider bool
}

// Broker routes messages between attached peers using namespace containment.
type Broker struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]*peerState
}

type peerState struct {
	peer          Peer
	attachedAt    time.Time
	provisions    []protocol.Pattern
	subscriptions []protocol.Pattern
	received      uint64
	delivered     uint64
}

type delivery struct {
	peer Peer
	msg  protocol.Message
}

func New(cfg Config) *Broker {
	return &Broker{
		cfg:   cfg,
		peers: make(map[string]*peerState),
	}
}

// Attach registers peer. Peer IDs are unique among attached peers.
func (b *Broker) Attach(peer Peer) error {
	if peer == nil || strings.TrimSpace(peer.ID()) == "" {
		return ErrInvalidPeerID
	}
	id := peer.ID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.peers[id]; ok {
		return fmt.Errorf("%w: %q", ErrPeerExists, id)
	}
	b.peers[id] = &peerState{peer: peer, attachedAt: time.Now()}
	log.Debug().Str("peer", id).Int("peers", len(b.peers)).Msg("broker.attach")
	return nil
}

// Detach removes a peer with all of its state and tells interested
// subscribers that its provisions are gone. It reports whether the peer
// was attached.
func (b *Broker) Detach(id string) bool {
	b.mu.Lock()
	state, ok := b.peers[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.peers, id)
	var out []delivery
	for _, p := range state.provisions {
		out = append(out, b.fanoutToSubscribersLocked(id, protocol.Revoke{Pattern: p})...)
	}
	remaining := len(b.peers)
	b.mu.Unlock()

	log.Debug().
		Str("peer", id).
		Int("provisions", len(state.provisions)).
		Int("subscriptions", len(state.subscriptions)).
		Int("peers", remaining).
		Msg("broker.detach")
	b.deliver(out)
	return true
}

// Handle applies one message received from peerID and forwards whatever it
// implies to other peers.
func (b *Broker) Handle(peerID string, msg protocol.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	tag := msg.Tag().String()

	b.mu.Lock()
	state, ok := b.peers[peerID]
	if !ok {
		b.mu.Unlock()
		observability.RecordBrokerMessage(tag, false)
		return fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	state.received++

	var out []delivery
	switch m := msg.(type) {
	case protocol.Provide:
		if !containsPattern(state.provisions, m.Pattern) {
			state.provisions = append(state.provisions, m.Pattern)
		}
		out = b.fanoutToSubscribersLocked(peerID, m)

	case protocol.Revoke:
		state.provisions = removeContained(state.provisions, m.Pattern)
		out = b.fanoutToSubscribersLocked(peerID, m)

	case protocol.Subscribe:
		if covered(state.subscriptions, msg) {
			break
		}
		state.subscriptions = append(removeContained(state.subscriptions, m.Pattern), m.Pattern)
		out = b.subscribeLocked(peerID, state, m)

	case protocol.Unsubscribe:
		state.subscriptions = removeContained(state.subscriptions, m.Pattern)

	case protocol.Event:
		if b.cfg.RequireProvider && !providesFor(state.provisions, m.Pattern) {
			b.mu.Unlock()
			observability.RecordBrokerMessage(tag, false)
			return fmt.Errorf("%w: %s", ErrNotProvider, m.Pattern)
		}
		out = b.eventLocked(peerID, m)

	default:
		b.mu.Unlock()
		observability.RecordBrokerMessage(tag, false)
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
	b.mu.Unlock()

	observability.RecordBrokerMessage(tag, true)
	delivered := b.deliver(out)
	if _, isEvent := msg.(protocol.Event); isEvent {
		observability.RecordEventsDelivered(delivered)
	}
	return nil
}

// fanoutToSubscribersLocked addresses msg to every other peer holding a
// subscription that overlaps the message namespace.
func (b *Broker) fanoutToSubscribersLocked(from string, msg protocol.Message) []delivery {
	ns := msg.Namespace()
	var out []delivery
	for id, st := range b.peers {
		if id == from {
			continue
		}
		for _, sub := range st.subscriptions {
			if sub.Overlaps(ns) {
				out = append(out, delivery{peer: st.peer, msg: msg})
				break
			}
		}
	}
	return out
}

// subscribeLocked forwards the subscription to overlapping providers and
// replays their matching provisions back to the subscriber.
func (b *Broker) subscribeLocked(from string, sub *peerState, msg protocol.Subscribe) []delivery {
	var out []delivery
	for id, st := range b.peers {
		if id == from {
			continue
		}
		forwarded := false
		for _, prov := range st.provisions {
			if !prov.Overlaps(msg.Pattern) {
				continue
			}
			if !forwarded {
				out = append(out, delivery{peer: st.peer, msg: msg})
				forwarded = true
			}
			out = append(out, delivery{peer: sub.peer, msg: protocol.Provide{Pattern: prov}})
		}
	}
	return out
}

// eventLocked addresses an event to each other peer at most once.
func (b *Broker) eventLocked(from string, msg protocol.Event) []delivery {
	var out []delivery
	for id, st := range b.peers {
		if id == from {
			continue
		}
		if providesFor(st.subscriptions, msg.Pattern) {
			out = append(out, delivery{peer: st.peer, msg: msg})
		}
	}
	return out
}

func (b *Broker) deliver(out []delivery) int {
	sent := 0
	for _, d := range out {
		if err := d.peer.Send(d.msg); err != nil {
			observability.RecordDeliveryFailure("send")
			log.Warn().
				Err(err).
				Str("peer", d.peer.ID()).
				Str("tag", d.msg.Tag().String()).
				Str("namespace", d.msg.Namespace().String()).
				Msg("broker.deliver failed")
			continue
		}
		sent++
		b.mu.Lock()
		if st, ok := b.peers[d.peer.ID()]; ok && st.peer == d.peer {
			st.delivered++
		}
		b.mu.Unlock()
	}
	return sent
}

// PeerInfo is the observed state of one attached peer.
type PeerInfo struct {
	ID            string    `json:"id"`
	AttachedAt    time.Time `json:"attached_at"`
	Provisions    []string  `json:"provisions"`
	Subscriptions []string  `json:"subscriptions"`
	Received      uint64    `json:"received"`
	Delivered     uint64    `json:"delivered"`
}

// Entry pairs a peer with one of its patterns.
type Entry struct {
	Peer    string `json:"peer"`
	Pattern string `json:"pattern"`
}

// Snapshot returns attached peers ordered by ID.
func (b *Broker) Snapshot() []PeerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]PeerInfo, 0, len(b.peers))
	for id, st := range b.peers {
		out = append(out, PeerInfo{
			ID:            id,
			AttachedAt:    st.attachedAt,
			Provisions:    patternStrings(st.provisions),
			Subscriptions: patternStrings(st.subscriptions),
			Received:      st.received,
			Delivered:     st.delivered,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscriptions flattens every peer's subscriptions.
func (b *Broker) Subscriptions() []Entry {
	var out []Entry
	for _, p := range b.Snapshot() {
		for _, s := range p.Subscriptions {
			out = append(out, Entry{Peer: p.ID, Pattern: s})
		}
	}
	return out
}

// Provisions flattens every peer's provisions.
func (b *Broker) Provisions() []Entry {
	var out []Entry
	for _, p := range b.Snapshot() {
		for _, s := range p.Provisions {
			out = append(out, Entry{Peer: p.ID, Pattern: s})
		}
	}
	return out
}

func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}

func containsPattern(list []protocol.Pattern, p protocol.Pattern) bool {
	for _, have := range list {
		if have == p {
			return true
		}
	}
	return false
}

// providesFor reports whether any pattern in list contains ns.
func providesFor(list []protocol.Pattern, ns protocol.Pattern) bool {
	for _, have := range list {
		if have.Contains(ns) {
			return true
		}
	}
	return false
}

// covered reports whether an existing subscription already contains msg.
func covered(subs []protocol.Pattern, msg protocol.Message) bool {
	for _, have := range subs {
		if protocol.Contains(protocol.Subscribe{Pattern: have}, msg) {
			return true
		}
	}
	return false
}

func removeContained(list []protocol.Pattern, p protocol.Pattern) []protocol.Pattern {
	kept := list[:0]
	for _, have := range list {
		if !p.Contains(have) {
			kept = append(kept, have)
		}
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = ""
	}
	return kept
}

func patternStrings(list []protocol.Pattern) []string {
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.String()
	}
	return out
}
