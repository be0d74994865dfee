package types

// redacted replaces secret values anywhere they might be printed.
const redacted = "***REDACTED***"

// SecretString holds a sensitive value (API keys, bot tokens, connection
// strings) and redacts itself under fmt and JSON serialization so secrets
// cannot leak through config dumps or structured logs. Call Unmask at the
// point the plaintext is genuinely needed, such as building an
// Authorization header.
type SecretString string

// String implements fmt.Stringer and returns the redacted placeholder.
func (s SecretString) String() string {
	return redacted
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
