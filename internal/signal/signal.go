// Package signal encodes and decodes the walkie-talkie control messages that
// travel over the room's reliable data channel.
//
// A message is a flat JSON object: the "signal" key carries the [Kind] and
// the remaining keys carry the payload in camelCase. Field names are
// translated between the internal snake_case form and the wire form through
// a single lookup table, so adding a payload field is one table entry.
package signal

import (
	"encoding/json"
)

// Topic is the data-channel topic carrying walkie-talkie signals.
const Topic = "walkie-talkie"

// Kind enumerates the signal vocabulary.
type Kind string

const (
	// Unknown is returned by [Decode] for anything it cannot interpret.
	Unknown Kind = ""

	RecordingStart Kind = "RECORDING_START"
	RecordingStop  Kind = "RECORDING_STOP"
	Processing     Kind = "PROCESSING"
	Speaking       Kind = "SPEAKING"
	TurnComplete   Kind = "TURN_COMPLETE"
	Error          Kind = "ERROR"
)

// legacyKinds maps kind strings sent by older clients onto current kinds.
var legacyKinds = map[string]Kind{
	"TTS_PLAYING":  Speaking,
	"TTS_COMPLETE": TurnComplete,
}

// Internal payload field names.
const (
	FieldUserID         = "user_id"
	FieldOriginalText   = "original_text"
	FieldTranslatedText = "translated_text"
	FieldMessage        = "message"
)

// wireKeys maps internal field names to their wire names.
var wireKeys = map[string]string{
	FieldUserID:         "userId",
	FieldOriginalText:   "originalText",
	FieldTranslatedText: "translatedText",
	FieldMessage:        "message",
}

// internalKeys is the inverse of wireKeys.
var internalKeys = func() map[string]string {
	m := make(map[string]string, len(wireKeys))
	for in, wire := range wireKeys {
		m[wire] = in
	}
	return m
}()

const kindKey = "signal"

// Fields holds a signal payload keyed by internal field name.
type Fields map[string]string

// IsValid reports whether k is one of the six known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case RecordingStart, RecordingStop, Processing, Speaking, TurnComplete, Error:
		return true
	}
	return false
}

// String returns the wire string, or "UNKNOWN".
func (k Kind) String() string {
	if k == Unknown {
		return "UNKNOWN"
	}
	return string(k)
}

// Encode produces the wire form of (kind, fields). Field names without a
// table entry are sent unchanged.
func Encode(kind Kind, fields Fields) ([]byte, error) {
	msg := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		msg[wireName(k)] = v
	}
	msg[kindKey] = string(kind)
	return json.Marshal(msg)
}

// Decode parses raw into a kind and its fields. It never fails: malformed
// input, non-object JSON and unrecognised kinds all yield ([Unknown], empty
// Fields). Non-string payload values are dropped.
func Decode(raw []byte) (Kind, Fields) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg == nil {
		return Unknown, Fields{}
	}

	var rawKind string
	if err := json.Unmarshal(msg[kindKey], &rawKind); err != nil {
		return Unknown, Fields{}
	}
	kind := Kind(rawKind)
	if legacy, ok := legacyKinds[rawKind]; ok {
		kind = legacy
	}
	if !kind.IsValid() {
		return Unknown, Fields{}
	}

	fields := Fields{}
	for k, v := range msg {
		if k == kindKey {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		fields[internalName(k)] = s
	}
	return kind, fields
}

func wireName(internal string) string {
	if w, ok := wireKeys[internal]; ok {
		return w
	}
	return internal
}

func internalName(wire string) string {
	if in, ok := internalKeys[wire]; ok {
		return in
	}
	return wire
}
