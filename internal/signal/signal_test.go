package signal_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/walkietalk/internal/signal"
)

func TestTopic(t *testing.T) {
	t.Parallel()
	if signal.Topic != "walkie-talkie" {
		t.Errorf("Topic = %q, want %q", signal.Topic, "walkie-talkie")
	}
}

func TestEncode_WireKeys(t *testing.T) {
	t.Parallel()
	raw, err := signal.Encode(signal.Speaking, signal.Fields{
		signal.FieldOriginalText:   "Hello",
		signal.FieldTranslatedText: "Hola",
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]string{"signal": "SPEAKING", "originalText": "Hello", "translatedText": "Hola"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("got[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestEncode_NoPayload(t *testing.T) {
	t.Parallel()
	raw, err := signal.Encode(signal.TurnComplete, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(raw) != `{"signal":"TURN_COMPLETE"}` {
		t.Errorf("raw = %s, want {\"signal\":\"TURN_COMPLETE\"}", raw)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		kind   signal.Kind
		fields signal.Fields
	}{
		{"start", signal.RecordingStart, signal.Fields{signal.FieldUserID: "user-1"}},
		{"stop", signal.RecordingStop, signal.Fields{signal.FieldUserID: "user-2"}},
		{"processing", signal.Processing, signal.Fields{}},
		{"speaking", signal.Speaking, signal.Fields{
			signal.FieldOriginalText:   "Hello there",
			signal.FieldTranslatedText: "Hola",
		}},
		{"complete", signal.TurnComplete, signal.Fields{}},
		{"error", signal.Error, signal.Fields{signal.FieldMessage: "Translation failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := signal.Encode(tt.kind, tt.fields)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			kind, fields := signal.Decode(raw)
			if kind != tt.kind {
				t.Errorf("kind = %v, want %v", kind, tt.kind)
			}
			if len(fields) != len(tt.fields) {
				t.Fatalf("fields = %v, want %v", fields, tt.fields)
			}
			for k, v := range tt.fields {
				if fields[k] != v {
					t.Errorf("fields[%q] = %q, want %q", k, fields[k], v)
				}
			}
		})
	}
}

func TestDecode_WireMessage(t *testing.T) {
	t.Parallel()
	kind, fields := signal.Decode([]byte(`{"signal":"RECORDING_START","userId":"user-1"}`))
	if kind != signal.RecordingStart {
		t.Errorf("kind = %v, want RECORDING_START", kind)
	}
	if fields[signal.FieldUserID] != "user-1" {
		t.Errorf("user_id = %q, want user-1", fields[signal.FieldUserID])
	}
}

func TestDecode_NeverFails(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"",
		"not json",
		"{",
		"null",
		"[]",
		`"RECORDING_START"`,
		`{}`,
		`{"signal":42}`,
		`{"signal":"DANCE"}`,
		`{"userId":"user-1"}`,
	}
	for _, in := range inputs {
		kind, fields := signal.Decode([]byte(in))
		if kind != signal.Unknown {
			t.Errorf("Decode(%q) kind = %v, want Unknown", in, kind)
		}
		if fields == nil || len(fields) != 0 {
			t.Errorf("Decode(%q) fields = %v, want empty", in, fields)
		}
	}
}

func TestDecode_LegacyKinds(t *testing.T) {
	t.Parallel()
	tests := map[string]signal.Kind{
		`{"signal":"TTS_PLAYING","originalText":"a","translatedText":"b"}`: signal.Speaking,
		`{"signal":"TTS_COMPLETE"}`: signal.TurnComplete,
	}
	for in, want := range tests {
		if got, _ := signal.Decode([]byte(in)); got != want {
			t.Errorf("Decode(%s) = %v, want %v", in, got, want)
		}
	}
}

func TestDecode_SkipsNonStringValues(t *testing.T) {
	t.Parallel()
	kind, fields := signal.Decode([]byte(`{"signal":"ERROR","message":"boom","code":7}`))
	if kind != signal.Error {
		t.Fatalf("kind = %v, want ERROR", kind)
	}
	if len(fields) != 1 || fields[signal.FieldMessage] != "boom" {
		t.Errorf("fields = %v, want only message", fields)
	}
}

func TestMessageConstructors(t *testing.T) {
	t.Parallel()
	m := signal.Parse(mustBytes(t, signal.NewRecordingStart("A")))
	if m.Kind != signal.RecordingStart || m.UserID() != "A" {
		t.Errorf("got %+v, want RECORDING_START from A", m)
	}
	if signal.NewError("x").Fields[signal.FieldMessage] != "x" {
		t.Error("NewError did not set message")
	}
}

func mustBytes(t *testing.T, m signal.Message) []byte {
	t.Helper()
	b, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return b
}
