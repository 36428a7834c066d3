// Package hub owns the authoritative in-memory state of the audio system: it
// ingests change records from every device adapter over one ordered channel,
// merges them into a single snapshot under exclusive access, suppresses
// duplicates, and emits minimal typed updates for broadcast.
package hub

import (
	"time"

	"github.com/vibinhq/vibin/internal/device"
)

// Slot holds the latest known value for one change kind and when it arrived.
type Slot struct {
	Value any       `json:"value"`
	At    time.Time `json:"at"`
}

// Snapshot is the hub's aggregate state: one slot per change kind. It is
// mutated only by the Synchronizer's merge loop; readers receive copies.
type Snapshot struct {
	slots map[device.ChangeKind]Slot
}

func newSnapshot() *Snapshot {
	return &Snapshot{slots: make(map[device.ChangeKind]Slot, len(device.Kinds()))}
}

// Slot returns the current slot for a kind.
func (s *Snapshot) Slot(kind device.ChangeKind) (Slot, bool) {
	slot, ok := s.slots[kind]
	return slot, ok
}

// clone returns a shallow copy safe to hand to readers. Slot values are
// treated as immutable once stored.
func (s *Snapshot) clone() map[device.ChangeKind]Slot {
	out := make(map[device.ChangeKind]Slot, len(s.slots))
	for k, v := range s.slots {
		out[k] = v
	}
	return out
}

// mergeProperties folds a new raw property bag into the existing one. The
// catch-all kind is merged key-by-key per service rather than replaced
// wholesale, since different adapters contribute different subsets of the
// same bag. Returns the merged bag and whether anything changed.
func mergeProperties(current any, incoming device.UPnPProperties) (device.UPnPProperties, bool) {
	merged := make(device.UPnPProperties)

	if existing, ok := current.(device.UPnPProperties); ok {
		for svc, props := range existing {
			copied := make(map[string]any, len(props))
			for k, v := range props {
				copied[k] = v
			}
			merged[svc] = copied
		}
	}

	changed := false
	for svc, props := range incoming {
		target, ok := merged[svc]
		if !ok {
			target = make(map[string]any, len(props))
			merged[svc] = target
		}
		for k, v := range props {
			if prev, seen := target[k]; !seen || !deepEqual(prev, v) {
				target[k] = v
				changed = true
			}
		}
	}

	return merged, changed
}

// mergeSystem folds one adapter's contribution into the aggregate system
// payload. Only the sections the record carries are replaced.
func mergeSystem(current any, incoming device.SystemState) (device.SystemState, bool) {
	merged := device.SystemState{}
	if existing, ok := current.(device.SystemState); ok {
		merged = existing
	}

	changed := false
	if incoming.Streamer != nil && !deepEqual(merged.Streamer, incoming.Streamer) {
		merged.Streamer = incoming.Streamer
		changed = true
	}
	if incoming.MediaServer != nil && !deepEqual(merged.MediaServer, incoming.MediaServer) {
		merged.MediaServer = incoming.MediaServer
		changed = true
	}
	if incoming.Amplifier != nil && !deepEqual(merged.Amplifier, incoming.Amplifier) {
		merged.Amplifier = incoming.Amplifier
		changed = true
	}

	return merged, changed
}
