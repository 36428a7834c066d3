package hub

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/device"
)

// Update is one outbound state change: the message type and the payload to
// broadcast. The subscriber hub wraps it in the client envelope (message id,
// client id, emission time).
type Update struct {
	Type    device.ChangeKind
	Payload any
}

// Broadcaster receives every update the synchronizer emits, in emission
// order.
type Broadcaster interface {
	Broadcast(update Update)
}

// BroadcastFunc adapts a function to the Broadcaster interface.
type BroadcastFunc func(Update)

func (f BroadcastFunc) Broadcast(update Update) { f(update) }

const defaultChannelDepth = 64

// Synchronizer is the single consumer of the event ingestion channel. It
// applies each change record to the snapshot under exclusive access, computes
// the structural diff against the prior value, and broadcasts only real
// changes. Producers block when the channel is full; a record is never
// dropped for back-pressure reasons.
type Synchronizer struct {
	records chan device.ChangeRecord

	mu       sync.RWMutex
	snapshot *Snapshot

	broadcaster Broadcaster

	positionInterval time.Duration
	lastPositionSent time.Time

	now func() time.Time
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithPositionInterval sets the minimum spacing between Position broadcasts.
func WithPositionInterval(interval time.Duration) SyncOption {
	return func(s *Synchronizer) { s.positionInterval = interval }
}

// WithChannelDepth sets the ingestion channel buffer size.
func WithChannelDepth(depth int) SyncOption {
	return func(s *Synchronizer) { s.records = make(chan device.ChangeRecord, depth) }
}

// withClock overrides the time source (tests).
func withClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer that hands emitted updates to the
// given broadcaster.
func NewSynchronizer(broadcaster Broadcaster, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		records:          make(chan device.ChangeRecord, defaultChannelDepth),
		snapshot:         newSnapshot(),
		broadcaster:      broadcaster,
		positionInterval: time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBroadcaster installs the broadcaster after construction. The hub and
// the synchronizer reference each other (updates flow one way, new-client
// state replay the other), so one side is wired late. Must be called before
// Run.
func (s *Synchronizer) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// OnUpdate is the ingestion entry point handed to every adapter. It blocks
// when the synchronizer is behind; losing a transport-state change is worse
// than a brief producer stall.
func (s *Synchronizer) OnUpdate(rec device.ChangeRecord) {
	s.records <- rec
}

// Run consumes the ingestion channel until the context is cancelled. It is
// the only goroutine that mutates the snapshot.
func (s *Synchronizer) Run(ctx context.Context) {
	log.Info().Msg("State synchronizer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("State synchronizer stopped")
			return
		case rec := <-s.records:
			s.apply(rec)
		}
	}
}

// apply merges one change record. Malformed records are logged and discarded;
// they never corrupt the snapshot or abort the loop.
func (s *Synchronizer) apply(rec device.ChangeRecord) {
	if !validKind(rec.Kind) {
		log.Warn().
			Str("role", string(rec.Role)).
			Str("kind", string(rec.Kind)).
			Msg("Discarding change record of unknown kind")
		return
	}
	if rec.Value == nil {
		log.Warn().
			Str("role", string(rec.Role)).
			Str("kind", string(rec.Kind)).
			Msg("Discarding change record with no value")
		return
	}

	at := rec.At
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	update, emit := s.mergeLocked(rec, at)
	s.mu.Unlock()

	if emit {
		s.broadcaster.Broadcast(update)
	}
}

func (s *Synchronizer) mergeLocked(rec device.ChangeRecord, at time.Time) (Update, bool) {
	slot, _ := s.snapshot.Slot(rec.Kind)

	switch rec.Kind {
	case device.KindUPnPProperties:
		incoming, ok := rec.Value.(device.UPnPProperties)
		if !ok {
			log.Warn().Str("role", string(rec.Role)).Msg("Discarding non-map raw property record")
			return Update{}, false
		}
		merged, changed := mergeProperties(slot.Value, incoming)
		if !changed {
			return Update{}, false
		}
		s.snapshot.slots[rec.Kind] = Slot{Value: merged, At: at}
		return Update{Type: rec.Kind, Payload: merged}, true

	case device.KindSystem:
		// Each adapter contributes only its own section of the aggregate
		// system payload, so sections merge rather than replace.
		incoming, ok := rec.Value.(device.SystemState)
		if !ok {
			log.Warn().Str("role", string(rec.Role)).Msg("Discarding non-struct system record")
			return Update{}, false
		}
		merged, changed := mergeSystem(slot.Value, incoming)
		if !changed {
			return Update{}, false
		}
		s.snapshot.slots[rec.Kind] = Slot{Value: merged, At: at}
		return Update{Type: rec.Kind, Payload: merged}, true

	case device.KindPosition:
		// Position is exempt from value-level duplicate suppression but is
		// rate-limited so sub-second playhead ticks do not flood subscribers.
		s.snapshot.slots[rec.Kind] = Slot{Value: rec.Value, At: at}
		if s.positionInterval > 0 && at.Sub(s.lastPositionSent) < s.positionInterval {
			return Update{}, false
		}
		s.lastPositionSent = at
		return Update{Type: rec.Kind, Payload: rec.Value}, true

	default:
		if deepEqual(slot.Value, rec.Value) {
			return Update{}, false // duplicate device chatter
		}
		s.snapshot.slots[rec.Kind] = Slot{Value: rec.Value, At: at}
		return Update{Type: rec.Kind, Payload: rec.Value}, true
	}
}

// StateSnapshot returns a copy of every slot, taken under a brief shared
// lock. Readers never observe a partially merged snapshot.
func (s *Synchronizer) StateSnapshot() map[device.ChangeKind]Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone()
}

// CurrentStateUpdates returns one update per populated slot, used to bring a
// newly connected subscriber up to the complete current state.
func (s *Synchronizer) CurrentStateUpdates() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()

	updates := make([]Update, 0, len(device.Kinds()))
	for _, kind := range device.Kinds() {
		if slot, ok := s.snapshot.Slot(kind); ok {
			updates = append(updates, Update{Type: kind, Payload: slot.Value})
		}
	}
	return updates
}

func validKind(kind device.ChangeKind) bool {
	for _, k := range device.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// deepEqual is the structural diff primitive: two values are the same state
// when they are structurally identical.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
