package domain

import "encoding/json"

// Value is a stored payload. It is either structured (a decoded JSON
// document) or binary (raw bytes kept verbatim because they did not parse
// as JSON). The distinction matters on the way out: structured values are
// re-serialized, binary values are returned byte-identical.
type Value struct {
	// Binary marks a raw payload that failed JSON decoding on ingest.
	Binary bool

	// Raw holds the original bytes for binary values.
	Raw []byte

	// Doc holds the decoded document for structured values.
	Doc any
}

// DecodeValue classifies a payload. A payload that parses as JSON becomes
// a structured value; anything else is stored as raw binary.
func DecodeValue(b []byte) *Value {
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		raw := make([]byte, len(b))
		copy(raw, b)
		return &Value{Binary: true, Raw: raw}
	}
	return &Value{Doc: doc}
}

// StructuredValue wraps an already-decoded document.
func StructuredValue(doc any) *Value {
	return &Value{Doc: doc}
}

// Encode renders the value in reply form: binary values come back
// byte-identical, structured values are serialized as JSON.
func (v *Value) Encode() ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if v.Binary {
		return v.Raw, nil
	}
	b, err := json.Marshal(v.Doc)
	if err != nil {
		return nil, ErrSerialization.WithCause(err)
	}
	return b, nil
}
