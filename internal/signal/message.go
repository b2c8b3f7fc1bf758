package signal

// Message is a decoded signal with typed accessors for the common fields.
type Message struct {
	Kind   Kind
	Fields Fields
}

// Parse decodes raw into a Message. See [Decode].
func Parse(raw []byte) Message {
	k, f := Decode(raw)
	return Message{Kind: k, Fields: f}
}

// UserID returns the speaker identity carried by RECORDING_START/STOP.
func (m Message) UserID() string { return m.Fields[FieldUserID] }

// Bytes encodes m.
func (m Message) Bytes() ([]byte, error) { return Encode(m.Kind, m.Fields) }

// NewProcessing builds a PROCESSING message.
func NewProcessing() Message { return Message{Kind: Processing} }

// NewSpeaking builds a SPEAKING message with the original and translated text.
func NewSpeaking(original, translated string) Message {
	return Message{Kind: Speaking, Fields: Fields{
		FieldOriginalText:   original,
		FieldTranslatedText: translated,
	}}
}

// NewTurnComplete builds a TURN_COMPLETE message.
func NewTurnComplete() Message { return Message{Kind: TurnComplete} }

// NewError builds an ERROR message.
func NewError(message string) Message {
	return Message{Kind: Error, Fields: Fields{FieldMessage: message}}
}

// NewRecordingStart builds a RECORDING_START message for userID.
func NewRecordingStart(userID string) Message {
	return Message{Kind: RecordingStart, Fields: Fields{FieldUserID: userID}}
}

// NewRecordingStop builds a RECORDING_STOP message for userID.
func NewRecordingStop(userID string) Message {
	return Message{Kind: RecordingStop, Fields: Fields{FieldUserID: userID}}
}
