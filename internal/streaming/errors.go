package streaming

import (
	"errors"
	"fmt"
)

// ErrSessionNotActive is returned when a step or reset is attempted outside
// an active streaming session.
var ErrSessionNotActive = errors.New("streaming: session not active")

// ConfigError reports invalid caller-supplied configuration: bad batch size,
// re-entrant session start, delay misconfiguration. Fatal, never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "streaming: configuration error: " + e.Reason
}

// ShapeError reports a state tensor whose batch axis disagrees with the
// session's batch size, identifying the offending component and state key.
type ShapeError struct {
	Component string
	Key       string
	Want      int
	Got       int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("streaming: state shape mismatch in %s[%s]: batch axis %d, want %d",
		e.Component, e.Key, e.Got, e.Want)
}
