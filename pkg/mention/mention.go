// Package mention implements the @mention / @channel routing rules that
// decide which agents a user or agent message fans out to.
package mention

import "regexp"

var tokenPattern = regexp.MustCompile(`@[A-Za-z0-9_-]+`)

// SenderKind distinguishes a human sender from an agent sender.
type SenderKind int

const (
	SenderUser SenderKind = iota
	SenderAgent
)

// Roster is the set of participants a message can be routed against.
type Roster struct {
	Agents []string
	Users  []string
	Leader string
}

// Result is the outcome of routing one message.
type Result struct {
	Targets   []string
	Broadcast bool
}

// Route computes the delivery targets for text sent by sender (of kind
// senderKind, empty string for an unattributed sender) into roster.
//
// Rules are applied in order: @channel broadcasts to every agent but the
// sender; explicit mentions narrow to the intersection of mentioned names
// and the roster, minus the sender; an unaddressed user message falls
// back to the leader; an unaddressed agent message is dropped silently
// (empty targets, logged only by the caller).
func Route(text string, sender string, senderKind SenderKind, roster Roster) Result {
	tokens := extractTokens(text)

	hasChannel := false
	mentions := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "channel" {
			hasChannel = true
			continue
		}
		mentions = append(mentions, tok)
	}

	if hasChannel {
		return Result{Targets: without(roster.Agents, sender), Broadcast: true}
	}

	if len(mentions) > 0 {
		member := membership(roster)
		targets := make([]string, 0, len(mentions))
		seen := make(map[string]bool, len(mentions))
		for _, m := range mentions {
			if m == sender {
				continue
			}
			if !member[m] {
				continue
			}
			if seen[m] {
				continue
			}
			seen[m] = true
			targets = append(targets, m)
		}
		return Result{Targets: targets, Broadcast: false}
	}

	if senderKind == SenderUser {
		if roster.Leader == "" {
			return Result{Targets: nil, Broadcast: false}
		}
		return Result{Targets: []string{roster.Leader}, Broadcast: false}
	}

	return Result{Targets: nil, Broadcast: false}
}

// extractTokens finds every @mention token, lowercases it, strips the
// leading @, and deduplicates while preserving first-occurrence order.
func extractTokens(text string) []string {
	raw := tokenPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		name := lower(tok[1:])
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func membership(r Roster) map[string]bool {
	m := make(map[string]bool, len(r.Agents)+len(r.Users))
	for _, a := range r.Agents {
		m[a] = true
	}
	for _, u := range r.Users {
		m[u] = true
	}
	return m
}

func without(names []string, excl string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == excl {
			continue
		}
		out = append(out, n)
	}
	return out
}
