package session

import (
	"fmt"
	"time"
)

const (
	// DefaultDuration is the legacy session lifetime: 36000 seconds.
	DefaultDuration = 10 * time.Hour
	// DefaultDelimiter separates credential fields.
	DefaultDelimiter = ":"
)

// Config holds the engine settings that must agree across every process
// sharing a store.
type Config struct {
	// Duration is how long a session stays valid after its last reissue.
	Duration time.Duration `env:"DURATION" envDefault:"10h"`
	// Delimiter separates credential fields. One non-alphanumeric byte.
	Delimiter string `env:"COOKIE_DELIMITER" envDefault:":"`
	// Secret, when set, makes credentials carry an HMAC that Resolve
	// verifies. Empty keeps the legacy unsigned format.
	Secret string `env:"SECRET"`
}

// DefaultConfig returns the legacy settings: 10h sessions, ':' delimiter and
// unsigned credentials.
func DefaultConfig() Config {
	return Config{
		Duration:  DefaultDuration,
		Delimiter: DefaultDelimiter,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("session duration must be positive, got %s", c.Duration)
	}
	if c.Duration%time.Second != 0 {
		return fmt.Errorf("session duration must be whole seconds, got %s", c.Duration)
	}
	return validateDelimiter(c.Delimiter)
}
