package chatui

import (
	"testing"
)

func TestDataSplitRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ns      string
		action  string
		payload string
		want    string
	}{
		{name: "full", ns: "verdict", action: "yes", payload: "abc", want: "verdict:yes:abc"},
		{name: "no payload", ns: "verdict", action: "no", want: "verdict:no"},
		{name: "payload with colons", ns: "extend", action: "15", payload: "a:b:c", want: "extend:15:a:b:c"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			data := Data(tt.ns, tt.action, tt.payload)
			if data != tt.want {
				t.Fatalf("Data = %q, want %q", data, tt.want)
			}
			ns, action, payload := Split(data)
			if ns != tt.ns || action != tt.action || payload != tt.payload {
				t.Fatalf("Split = (%q, %q, %q), want (%q, %q, %q)",
					ns, action, payload, tt.ns, tt.action, tt.payload)
			}
		})
	}
}

func TestPackUnpackJSON(t *testing.T) {
	t.Parallel()
	type token struct {
		S int64  `json:"s"`
		N string `json:"n"`
	}
	in := token{S: 42, N: "ab12cd34"}
	packed, err := PackJSON(in)
	if err != nil {
		t.Fatalf("PackJSON error: %v", err)
	}

	var out token
	if err := UnpackJSON(packed, &out); err != nil {
		t.Fatalf("UnpackJSON error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}

	// Packed payloads must survive the "ns:action:payload" framing and
	// stay inside Telegram's 64-byte callback data limit.
	framed := Data("verdict", "yes", packed)
	if len(framed) > 64 {
		t.Fatalf("callback data is %d bytes, limit is 64", len(framed))
	}
	_, _, payload := Split(framed)
	if payload != packed {
		t.Fatalf("payload = %q, want %q", payload, packed)
	}
}

func TestUnpackJSONRejectsGarbage(t *testing.T) {
	t.Parallel()
	var v struct{}
	if err := UnpackJSON("!!!not-base64!!!", &v); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if err := UnpackJSON("bm90LWpzb24", &v); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestInlineBuilder(t *testing.T) {
	t.Parallel()
	m := NewInline().
		Row(Btn("Yes", "v:yes"), Btn("No", "v:no")).
		Row(Btn("15 min", "e:15")).
		Markup()

	if len(m.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(m.InlineKeyboard))
	}
	if len(m.InlineKeyboard[0]) != 2 || len(m.InlineKeyboard[1]) != 1 {
		t.Fatalf("unexpected row shapes: %v", m.InlineKeyboard)
	}
	if m.InlineKeyboard[0][0].Text != "Yes" || m.InlineKeyboard[0][0].Data != "v:yes" {
		t.Fatalf("first button = %+v", m.InlineKeyboard[0][0])
	}
}
