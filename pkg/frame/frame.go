// Package frame implements the Tymbal streaming frame protocol: parsing
// and serializing the newline-delimited JSON lines that carry progressive
// message updates between engines, runtimes, the hub, and UI clients.
//
// Parsing is pure and stateless: Parse(line) never performs I/O and never
// returns a partially-valid frame — a line either decodes to exactly one
// of the five frame shapes or Parse reports it malformed.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Kind discriminates the five frame shapes.
type Kind int

const (
	KindStart Kind = iota
	KindAppend
	KindSet
	KindReset
	KindSyncRequest
	KindSyncResponse
	KindError
	KindArtifact
)

// ErrMalformed is returned by Parse for any line that does not match one
// of the frame grammars in the protocol.
var ErrMalformed = errors.New("frame: malformed line")

// Frame is the decoded form of one protocol line. Only the fields
// relevant to Kind are populated; callers should switch on Kind rather
// than probe for zero values.
type Frame struct {
	Kind Kind

	// Message frames (start/append/set/reset) carry a message id.
	ID string

	// start
	Metadata json.RawMessage // m, optional

	// append
	Append string // a

	// set
	Timestamp string          // t
	Value     json.RawMessage // v, object

	// sync-request
	Request     string  // always "sync"
	ChannelID   string  // optional
	Since       *string // optional
	Before      *string // optional
	Limit       *int    // optional
	hasChannel  bool
	hasSince    bool
	hasBefore   bool
	hasLimit    bool

	// sync-response
	Sync string // timestamp

	// error
	Error   string
	Message string // optional

	// artifact
	ArtifactAction    string
	ArtifactChannelID string
	ArtifactPayload   json.RawMessage
}

// HasChannelID reports whether a sync-request carried a channelId.
func (f Frame) HasChannelID() bool { return f.hasChannel }

// wireMessageFrame mirrors the deterministic on-wire field order for message
// frames: i, m, a, t, v. Other shapes serialize their own field sets.
type wireMessageFrame struct {
	I string          `json:"i"`
	M json.RawMessage `json:"m,omitempty"`
	A string          `json:"a,omitempty"`
	T string          `json:"t,omitempty"`
	V json.RawMessage `json:"v,omitempty"`
}

type probeFrame struct {
	Request   *string          `json:"request"`
	Sync      *string          `json:"sync"`
	Error     *string          `json:"error"`
	Artifact  *json.RawMessage `json:"artifact"`
	I         *string          `json:"i"`
	M         *json.RawMessage `json:"m"`
	A         *string          `json:"a"`
	T         *string          `json:"t"`
	V         json.RawMessage  `json:"v"`
	Message   *string          `json:"message"`
	ChannelID *string          `json:"channelId"`
	Since     *string          `json:"since"`
	Before    *string          `json:"before"`
	Limit     *int             `json:"limit"`
}

type artifactPayload struct {
	Action    string          `json:"action"`
	ChannelID string          `json:"channelId"`
	Payload   json.RawMessage `json:"payload"`
}

// Parse decodes a single protocol line. It returns ErrMalformed for any
// input that is not valid JSON, is a JSON array or primitive, or violates
// one of the frame grammar invariants.
func Parse(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Frame{}, ErrMalformed
	}

	var p probeFrame
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&p); err != nil {
		return Frame{}, ErrMalformed
	}

	switch {
	case p.Request != nil:
		return parseSyncRequest(p)
	case p.Sync != nil:
		return Frame{Kind: KindSyncResponse, Sync: *p.Sync}, nil
	case p.Error != nil:
		f := Frame{Kind: KindError, Error: *p.Error}
		if p.Message != nil {
			f.Message = *p.Message
		}
		return f, nil
	case p.Artifact != nil:
		return parseArtifact(*p.Artifact)
	case p.I != nil:
		return parseMessageFrame(*p.I, p)
	default:
		return Frame{}, ErrMalformed
	}
}

func parseSyncRequest(p probeFrame) (Frame, error) {
	if *p.Request != "sync" {
		return Frame{}, ErrMalformed
	}
	f := Frame{Kind: KindSyncRequest, Request: "sync"}
	if p.ChannelID != nil {
		f.ChannelID = *p.ChannelID
		f.hasChannel = true
	}
	if p.Since != nil {
		f.Since = p.Since
		f.hasSince = true
	}
	if p.Before != nil {
		f.Before = p.Before
		f.hasBefore = true
	}
	if p.Limit != nil {
		f.Limit = p.Limit
		f.hasLimit = true
	}
	return f, nil
}

func parseArtifact(raw json.RawMessage) (Frame, error) {
	var a artifactPayload
	if err := json.Unmarshal(raw, &a); err != nil {
		return Frame{}, ErrMalformed
	}
	if a.Action == "" || a.ChannelID == "" || a.Payload == nil || !isJSONObject(a.Payload) {
		return Frame{}, ErrMalformed
	}
	return Frame{
		Kind:              KindArtifact,
		ArtifactAction:    a.Action,
		ArtifactChannelID: a.ChannelID,
		ArtifactPayload:   a.Payload,
	}, nil
}

func parseMessageFrame(id string, p probeFrame) (Frame, error) {
	if id == "" {
		return Frame{}, ErrMalformed
	}

	hasA := p.A != nil
	hasV := p.V != nil
	if hasA && hasV {
		return Frame{}, ErrMalformed
	}

	switch {
	case hasA:
		return Frame{Kind: KindAppend, ID: id, Append: *p.A}, nil

	case hasV && isJSONNull(p.V):
		return Frame{Kind: KindReset, ID: id, Value: p.V}, nil

	case hasV:
		if !isJSONObject(p.V) {
			return Frame{}, ErrMalformed
		}
		if p.T == nil {
			return Frame{}, ErrMalformed
		}
		return Frame{Kind: KindSet, ID: id, Timestamp: *p.T, Value: p.V}, nil

	default:
		f := Frame{Kind: KindStart, ID: id}
		if p.M != nil {
			if !isJSONObject(*p.M) {
				return Frame{}, ErrMalformed
			}
			if hasKey(*p.M, "content") {
				return Frame{}, ErrMalformed
			}
			f.Metadata = *p.M
		}
		return f, nil
	}
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func hasKey(raw json.RawMessage, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

// ParseMany splits ndjson on newlines and parses each non-blank line,
// silently dropping blank lines and lines that fail to parse.
func ParseMany(ndjson []byte) []Frame {
	lines := bytes.Split(ndjson, []byte("\n"))
	out := make([]Frame, 0, len(lines))
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		f, err := Parse(line)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Serialize renders f back to a single protocol line, in deterministic
// field order for message frames (i, m, a, t, v).
func Serialize(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindStart:
		return json.Marshal(wireMessageFrame{I: f.ID, M: f.Metadata})
	case KindAppend:
		return json.Marshal(wireMessageFrame{I: f.ID, A: f.Append})
	case KindSet:
		normalized := normalizeToolCall(f.Value)
		return json.Marshal(wireMessageFrame{I: f.ID, T: f.Timestamp, V: normalized})
	case KindReset:
		return json.Marshal(wireMessageFrame{I: f.ID, V: json.RawMessage("null")})
	case KindSyncRequest:
		return marshalSyncRequest(f)
	case KindSyncResponse:
		return json.Marshal(struct {
			Sync string `json:"sync"`
		}{f.Sync})
	case KindError:
		out := struct {
			Error   string `json:"error"`
			Message string `json:"message,omitempty"`
		}{f.Error, f.Message}
		return json.Marshal(out)
	case KindArtifact:
		out := struct {
			Artifact artifactPayload `json:"artifact"`
		}{artifactPayload{Action: f.ArtifactAction, ChannelID: f.ArtifactChannelID, Payload: f.ArtifactPayload}}
		return json.Marshal(out)
	default:
		return nil, ErrMalformed
	}
}

func marshalSyncRequest(f Frame) ([]byte, error) {
	out := struct {
		Request   string  `json:"request"`
		ChannelID *string `json:"channelId,omitempty"`
		Since     *string `json:"since,omitempty"`
		Before    *string `json:"before,omitempty"`
		Limit     *int    `json:"limit,omitempty"`
	}{Request: "sync"}
	if f.hasChannel {
		out.ChannelID = &f.ChannelID
	}
	out.Since = f.Since
	out.Before = f.Before
	out.Limit = f.Limit
	return json.Marshal(out)
}

// normalizeToolCall applies the one normalization rule the protocol
// defines: a tool_call value's "input" key is renamed to "args" when
// "args" is not already present. Every other shape of v passes through
// unmodified.
func normalizeToolCall(v json.RawMessage) json.RawMessage {
	if v == nil || !isJSONObject(v) {
		return v
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return v
	}
	typ, ok := m["type"]
	if !ok || !bytes.Equal(bytes.TrimSpace(typ), []byte(`"tool_call"`)) {
		return v
	}
	input, hasInput := m["input"]
	_, hasArgs := m["args"]
	if !hasInput || hasArgs {
		return v
	}
	m["args"] = input
	delete(m, "input")
	out, err := json.Marshal(m)
	if err != nil {
		return v
	}
	return out
}
