// SPDX-License-Identifier: GPL-3.0-only

package dock

import (
	"sync"
	"time"
)

// InputKind discriminates the classified input sample variants.
type InputKind int

const (
	// InputNone means the report carried no usable input.
	InputNone InputKind = iota
	// InputButtons carries a full button state snapshot.
	InputButtons
	// InputEncoders carries a full encoder press state snapshot.
	InputEncoders
	// InputTwists carries per-encoder twist deltas.
	InputTwists
)

// Input is one classified input sample read from the device.
type Input struct {
	Kind     InputKind
	Buttons  []bool
	Encoders []bool
	Twists   []int8
}

// NoData returns the empty input sample.
func NoData() Input {
	return Input{Kind: InputNone}
}

// ButtonStates returns a button snapshot sample.
func ButtonStates(states []bool) Input {
	return Input{Kind: InputButtons, Buttons: states}
}

// EncoderStates returns an encoder press snapshot sample.
func EncoderStates(states []bool) Input {
	return Input{Kind: InputEncoders, Encoders: states}
}

// EncoderTwists returns a twist delta sample.
func EncoderTwists(deltas []int8) Input {
	return Input{Kind: InputTwists, Twists: deltas}
}

// Classifier turns the raw index and state bytes of a device report into
// a structured input sample. Device families pack these bytes
// differently, so the mapping is injected rather than built in.
type Classifier interface {
	Classify(index, state byte) (Input, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(index, state byte) (Input, error)

// Classify calls f.
func (f ClassifierFunc) Classify(index, state byte) (Input, error) {
	return f(index, state)
}

// UpdateKind discriminates edge event variants.
type UpdateKind int

const (
	// ButtonDown reports a button press.
	ButtonDown UpdateKind = iota
	// ButtonUp reports a button release.
	ButtonUp
	// EncoderDown reports an encoder press.
	EncoderDown
	// EncoderUp reports an encoder release.
	EncoderUp
	// EncoderTwist reports an encoder rotation by Delta detents.
	EncoderTwist
)

// Update is one edge-triggered input event.
type Update struct {
	Kind  UpdateKind
	Index uint8
	Delta int8
}

// StateReader keeps the last known button and encoder snapshots for a
// connection and converts each new input sample into edge events.
type StateReader struct {
	conn     *Connection
	classify Classifier

	mu       sync.Mutex
	buttons  []bool
	encoders []bool
}

// Reader returns a state reader for the connection using the given
// report classifier. Snapshot lengths are fixed to the connection's key
// and encoder counts for the life of the reader.
func (c *Connection) Reader(classify Classifier) *StateReader {
	return &StateReader{
		conn:     c,
		classify: classify,
		buttons:  make([]bool, c.caps.KeyCount),
		encoders: make([]bool, c.caps.EncoderCount),
	}
}

// Read performs one input read and returns the resulting edge events,
// index-ascending, possibly empty. A timeout <= 0 blocks until a report
// arrives; otherwise an elapsed timeout yields no updates and no error.
func (r *StateReader) Read(timeout time.Duration) ([]Update, error) {
	input, err := r.conn.ReadInput(timeout, r.classify)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var updates []Update

	switch input.Kind {
	case InputButtons:
		updates = diffStates(r.buttons, input.Buttons, ButtonDown, ButtonUp, r.conn.caps.DualStateInput)

	case InputEncoders:
		updates = diffStates(r.encoders, input.Encoders, EncoderDown, EncoderUp, r.conn.caps.DualStateInput)

	case InputTwists:
		// Twists never touch the stored snapshots.
		for i, delta := range input.Twists {
			if delta != 0 {
				updates = append(updates, Update{Kind: EncoderTwist, Index: uint8(i), Delta: delta})
			}
		}

	case InputNone:
	}

	return updates, nil
}

// diffStates compares a new snapshot against the stored one, emits edge
// events and overwrites the stored snapshot in place.
//
// Devices that cannot report releases emit a single pulse per press, so
// every set bit synthesizes a Down immediately followed by an Up,
// regardless of the previous snapshot.
func diffStates(stored, sample []bool, down, up UpdateKind, dualState bool) []Update {
	n := len(stored)
	if len(sample) < n {
		n = len(sample)
	}

	var updates []Update
	for i := 0; i < n; i++ {
		switch {
		case !dualState:
			if sample[i] {
				updates = append(updates,
					Update{Kind: down, Index: uint8(i)},
					Update{Kind: up, Index: uint8(i)},
				)
			}
		case sample[i] != stored[i]:
			if sample[i] {
				updates = append(updates, Update{Kind: down, Index: uint8(i)})
			} else {
				updates = append(updates, Update{Kind: up, Index: uint8(i)})
			}
		}
		stored[i] = sample[i]
	}

	return updates
}
