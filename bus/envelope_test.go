package bus

import (
	"reflect"
	"testing"
)

func TestSerializeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("hello world"),
		{0, 1, 2, 3, 255, 254},
	}

	for _, blob := range cases {
		enc := Serialize(blob)
		got, err := Deserialize(enc)
		if err != nil {
			t.Fatalf("Deserialize(%q): %v", enc, err)
		}
		if !reflect.DeepEqual(got, blob) {
			t.Errorf("round trip mismatch: got %v, want %v", got, blob)
		}
	}
}

func TestSerializeSubstitutesPadding(t *testing.T) {
	// "a" base64-encodes to "YQ==" -- two padding characters, both must
	// become '['.
	enc := Serialize([]byte("a"))
	if enc != "YQ[[" {
		t.Fatalf("Serialize(%q) = %q, want %q", "a", enc, "YQ[[")
	}
}

func TestRewriteRoundTrip(t *testing.T) {
	msg := &Envelope{
		Dst: "agent-a1",
		Src: "outpost-o1",
		Tag: []string{"store-msg"},
		Fields: map[string]string{
			"payload": "abc",
		},
	}

	stored := RewriteIn(msg)
	if stored.Dst != msg.Dst {
		t.Errorf("RewriteIn should preserve dst for delivery to agent: got %q", stored.Dst)
	}
	if v, _ := stored.Get("_outpost_dst"); v != msg.Dst {
		t.Errorf("_outpost_dst = %q, want %q", v, msg.Dst)
	}
	if v, _ := stored.Get("_outpost_src"); v != msg.Src {
		t.Errorf("_outpost_src = %q, want %q", v, msg.Src)
	}

	restored := RewriteOut(stored)
	if restored.Dst != msg.Dst || restored.Src != msg.Src {
		t.Fatalf("RewriteOut(RewriteIn(msg)) dst/src = %q/%q, want %q/%q",
			restored.Dst, restored.Src, msg.Dst, msg.Src)
	}
	if !reflect.DeepEqual(restored.Tag, msg.Tag) {
		t.Errorf("RewriteOut(RewriteIn(msg)).Tag = %v, want %v", restored.Tag, msg.Tag)
	}
	if restored.Fields["payload"] != "abc" {
		t.Errorf("payload field lost across rewrite round trip")
	}
}

func TestEnvelopeEncodeDecode(t *testing.T) {
	e := NewEnvelope("scout", TagMigrateAgent)
	e.Set("agent", "a1")
	e.Set("outpost_id", "o1")

	data, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Dst != "scout" || !got.HasTag(TagMigrateAgent) {
		t.Fatalf("decoded envelope mismatch: %+v", got)
	}
	if v, _ := got.Get("agent"); v != "a1" {
		t.Errorf("agent field = %q, want a1", v)
	}
}
