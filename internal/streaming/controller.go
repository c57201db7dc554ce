package streaming

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Start switches the whole component tree into streaming mode. The walk is
// pre-order: a parent's state is initialized before its children's, so a
// parent's initializer observes its own mode before any child is configured.
// Starting an already-streaming tree is a configuration error; there is no
// implicit re-entry.
func Start(root Streamer, batchSize int) error {
	if batchSize <= 0 {
		return &ConfigError{Reason: fmt.Sprintf("batch size must be positive, got %d", batchSize)}
	}
	if streamingAnywhere(root) {
		return &ConfigError{Reason: "tree is already streaming; call Stop before starting a new session"}
	}
	return start(root, batchSize)
}

func start(c Streamer, batchSize int) error {
	st, err := c.InitState(batchSize)
	if err != nil {
		return fmt.Errorf("init state for %s: %w", c.Name(), err)
	}
	if err := st.Validate(c.Name()); err != nil {
		return err
	}

	n := c.node()
	n.mode = ModeStreaming
	n.batch = batchSize
	n.state = st
	log.Debug().Str("component", c.Name()).Int("batch", batchSize).Msg("streaming started")

	for _, child := range c.Children() {
		if err := start(child, batchSize); err != nil {
			return err
		}
	}
	return nil
}

// Stop switches the tree back to idle, releasing every state container.
// Idempotent: stopping an idle tree is a no-op.
func Stop(root Streamer) {
	n := root.node()
	n.mode = ModeIdle
	n.batch = 0
	n.state = nil
	for _, child := range root.Children() {
		Stop(child)
	}
}

// Reset re-initializes every component's state container without leaving
// streaming mode, for back-to-back sessions of equal batch size.
func Reset(root Streamer) error {
	n := root.node()
	if !n.Streaming() {
		return &ConfigError{Reason: "reset requires an active streaming session"}
	}

	st, err := root.InitState(n.batch)
	if err != nil {
		return fmt.Errorf("reset state for %s: %w", root.Name(), err)
	}
	if err := st.Validate(root.Name()); err != nil {
		return err
	}
	n.state = st

	for _, child := range root.Children() {
		if err := Reset(child); err != nil {
			return err
		}
	}
	return nil
}

func streamingAnywhere(c Streamer) bool {
	if c.node().Streaming() {
		return true
	}
	for _, child := range c.Children() {
		if streamingAnywhere(child) {
			return true
		}
	}
	return false
}
