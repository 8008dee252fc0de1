// Package agentid parses and formats the agent identity string, the unit
// of addressing across every protocol in the system: the colon-joined
// triple (spaceId, channelId, callsign).
package agentid

import (
	"errors"
	"strings"
)

// ErrInvalid is returned by Parse when s does not split into exactly
// three nonempty segments. Callers must not retry on this error.
var ErrInvalid = errors.New("agentid: invalid_agent_id")

// ID is a parsed agent identity.
type ID struct {
	SpaceID   string
	ChannelID string
	Callsign  string
}

// Parse splits and validates s. It never string-interpolates the parts
// back together without going through Format.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ID{}, ErrInvalid
	}
	for _, p := range parts {
		if p == "" {
			return ID{}, ErrInvalid
		}
	}
	return ID{SpaceID: parts[0], ChannelID: parts[1], Callsign: parts[2]}, nil
}

// Format renders id back to its canonical colon-joined string.
func (id ID) Format() string {
	return id.SpaceID + ":" + id.ChannelID + ":" + id.Callsign
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.Format() }
