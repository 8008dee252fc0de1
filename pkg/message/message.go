// Package message implements the per-message scratchpad ("message
// handle") that engine output translators use to produce well-formed
// frames: start/append on the way in, a single terminal set or reset.
package message

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/tymbal-dev/tymbal/pkg/frame"
)

// ErrFinalized is returned by Stream and Set once the handle has already
// emitted its terminal frame.
var ErrFinalized = errors.New("message: handle already finalized")

// Handle is a single message's scratchpad. It is not safe for concurrent
// use; callers serialize access per message id, as the runtime protocol
// handler does per agent.
type Handle struct {
	id        string
	metadata  json.RawMessage
	started   bool
	finalized bool
	buffer    strings.Builder

	now func() time.Time
}

// New creates a handle for message id with optional metadata (nil for
// none). Metadata must not contain the reserved "content" key; callers
// are expected to have validated this already (frame.Parse enforces it
// on the wire side).
func New(id string, metadata json.RawMessage) *Handle {
	return &Handle{id: id, metadata: metadata, now: time.Now}
}

// ID returns the handle's message id.
func (h *Handle) ID() string { return h.id }

// Finalized reports whether a terminal frame has already been emitted.
func (h *Handle) Finalized() bool { return h.finalized }

// Stream appends text to the message buffer, emitting a start frame on
// the first call and an append frame on every call.
func (h *Handle) Stream(text string) ([]frame.Frame, error) {
	if h.finalized {
		return nil, ErrFinalized
	}
	var frames []frame.Frame
	if !h.started {
		h.started = true
		frames = append(frames, frame.Frame{Kind: frame.KindStart, ID: h.id, Metadata: h.metadata})
	}
	h.buffer.WriteString(text)
	frames = append(frames, frame.Frame{Kind: frame.KindAppend, ID: h.id, Append: text})
	return frames, nil
}

// Set finalizes the message with value. If Stream was never called, the
// set frame's value is exactly value. Otherwise the buffered content and
// metadata are merged underneath the explicit value, so value's own keys
// win: merge(metadata, {content: buffer}, value).
func (h *Handle) Set(value map[string]any) (frame.Frame, error) {
	if h.finalized {
		return frame.Frame{}, ErrFinalized
	}
	h.finalized = true

	var merged map[string]any
	if !h.started {
		merged = value
	} else {
		merged = mergeLayers(h.metadata, map[string]any{"content": h.buffer.String()}, value)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Kind: frame.KindSet, ID: h.id, Timestamp: h.timestamp(), Value: raw}, nil
}

// Delete finalizes the message with a reset frame, deleting it.
func (h *Handle) Delete() (frame.Frame, error) {
	if h.finalized {
		return frame.Frame{}, ErrFinalized
	}
	h.finalized = true
	return frame.Frame{Kind: frame.KindReset, ID: h.id, Value: json.RawMessage("null")}, nil
}

func (h *Handle) timestamp() string {
	return h.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// mergeLayers shallow-merges metadata (as a JSON object), then layer2,
// then layer3 on top, each later layer's keys overriding earlier ones.
func mergeLayers(metadata json.RawMessage, layer2, layer3 map[string]any) map[string]any {
	out := map[string]any{}
	if len(metadata) > 0 {
		var m map[string]any
		if err := json.Unmarshal(metadata, &m); err == nil {
			for k, v := range m {
				out[k] = v
			}
		}
	}
	for k, v := range layer2 {
		out[k] = v
	}
	for k, v := range layer3 {
		out[k] = v
	}
	return out
}
