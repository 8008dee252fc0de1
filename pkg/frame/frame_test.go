package frame

import (
	"encoding/json"
	"testing"
)

func TestParseBareStart(t *testing.T) {
	f, err := Parse([]byte(`{"i":"01J001"}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if f.Kind != KindStart || f.ID != "01J001" {
		t.Fatalf("got %+v, want start frame for 01J001", f)
	}
}

func TestParseMalformedCases(t *testing.T) {
	cases := []string{
		`not json`,
		`["i","01J001"]`,
		`"01J001"`,
		`{"i":"01J001","a":"x","v":{}}`,
		`{"i":"01J001","v":[1,2]}`,
		`{"i":"01J001","v":{"type":"x"}}`, // set without t
		`{"i":"01J001","m":{"content":"x"}}`,
		`{"a":"x"}`, // no i
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c)); err != ErrMalformed {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", c, err)
		}
	}
}

func TestParseAppend(t *testing.T) {
	f, err := Parse([]byte(`{"i":"01J001","a":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != KindAppend || f.Append != "hello" {
		t.Fatalf("got %+v", f)
	}
}

func TestParseSet(t *testing.T) {
	f, err := Parse([]byte(`{"i":"01J001","t":"2026-07-30T00:00:00.000Z","v":{"type":"assistant","content":"hi"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != KindSet || f.Timestamp != "2026-07-30T00:00:00.000Z" {
		t.Fatalf("got %+v", f)
	}
}

func TestParseReset(t *testing.T) {
	f, err := Parse([]byte(`{"i":"01J001","v":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != KindReset {
		t.Fatalf("got %+v, want reset", f)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		{Kind: KindStart, ID: "01J001"},
		{Kind: KindAppend, ID: "01J001", Append: "hi"},
		{Kind: KindSet, ID: "01J001", Timestamp: "2026-07-30T00:00:00.000Z", Value: json.RawMessage(`{"type":"status"}`)},
		{Kind: KindReset, ID: "01J001", Value: json.RawMessage("null")},
		{Kind: KindSyncResponse, Sync: "2026-07-30T00:00:00.000Z"},
		{Kind: KindError, Error: "NOT_REGISTERED"},
		{Kind: KindArtifact, ArtifactAction: "create", ArtifactChannelID: "ch1", ArtifactPayload: json.RawMessage(`{"x":1}`)},
	}
	for _, want := range cases {
		line, err := Serialize(want)
		if err != nil {
			t.Fatalf("Serialize(%+v) error: %v", want, err)
		}
		got, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%s) error: %v", line, err)
		}
		if got.Kind != want.Kind || got.ID != want.ID {
			t.Errorf("round trip mismatch: got %+v, want %+v (line=%s)", got, want, line)
		}
	}
}

func TestNormalizeToolCallRenamesInputToArgs(t *testing.T) {
	f := Frame{
		Kind:      KindSet,
		ID:        "01J001",
		Timestamp: "2026-07-30T00:00:00.000Z",
		Value:     json.RawMessage(`{"type":"tool_call","input":{"path":"a.txt"}}`),
	}
	line, err := Serialize(f)
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	var v map[string]json.RawMessage
	if err := json.Unmarshal(decoded["v"], &v); err != nil {
		t.Fatalf("unmarshal v: %v", err)
	}
	if _, hasInput := v["input"]; hasInput {
		t.Errorf("normalized v still has input key: %s", decoded["v"])
	}
	if _, hasArgs := v["args"]; !hasArgs {
		t.Errorf("normalized v missing args key: %s", decoded["v"])
	}
}

func TestNormalizeToolCallLeavesOtherShapesAlone(t *testing.T) {
	f := Frame{
		Kind:      KindSet,
		ID:        "01J001",
		Timestamp: "2026-07-30T00:00:00.000Z",
		Value:     json.RawMessage(`{"type":"status","content":"working"}`),
	}
	line, err := Serialize(f)
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var v map[string]string
	if err := json.Unmarshal(decoded["v"], &v); err != nil {
		t.Fatalf("unmarshal v: %v", err)
	}
	if v["content"] != "working" {
		t.Errorf("v.content = %q, want %q", v["content"], "working")
	}
}

func TestParseManyDropsBlanksAndMalformed(t *testing.T) {
	input := []byte("{\"i\":\"01J001\"}\n\nnot json\n{\"i\":\"01J001\",\"a\":\"x\"}\n")
	frames := ParseMany(input)
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Kind != KindStart || frames[1].Kind != KindAppend {
		t.Fatalf("got %+v", frames)
	}
}

func TestParseSyncRequest(t *testing.T) {
	f, err := Parse([]byte(`{"request":"sync","channelId":"ch1","limit":50}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != KindSyncRequest || f.ChannelID != "ch1" || f.Limit == nil || *f.Limit != 50 {
		t.Fatalf("got %+v", f)
	}
}

func TestParseArtifact(t *testing.T) {
	f, err := Parse([]byte(`{"artifact":{"action":"create","channelId":"ch1","payload":{"name":"a"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Kind != KindArtifact || f.ArtifactAction != "create" || f.ArtifactChannelID != "ch1" {
		t.Fatalf("got %+v", f)
	}
}
