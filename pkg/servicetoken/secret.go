package servicetoken

// Secret holds a credential such as the client secret. Its String,
// GoString, and MarshalText methods return a placeholder, so a Config can be
// logged or serialized without leaking the value. Use [Secret.Value] to read
// it.
type Secret string

const redacted = "[REDACTED]"

// String implements fmt.Stringer.
func (s Secret) String() string {
	return redacted
}

// GoString implements fmt.GoStringer, covering %#v.
func (s Secret) GoString() string {
	return redacted
}

// Value returns the secret itself.
func (s Secret) Value() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler. JSON and YAML encoders use
// it, so the placeholder is written instead of the secret.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
