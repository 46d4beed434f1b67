//go:build !profile

package prof

// Enabled reports whether profiling is compiled in.
const Enabled = false

// ErrActive is defined for API compatibility but never returned by stubs.
var ErrActive error

// Session is a no-op when built without the "profile" tag.
type Session struct{}

// Start is a no-op when built without the "profile" tag.
func Start(_ string) (*Session, error) {
	return nil, nil
}

// Dir always returns "" when built without the "profile" tag.
func (s *Session) Dir() string {
	return ""
}

// Stop is a no-op when built without the "profile" tag.
func (s *Session) Stop() error {
	return nil
}
