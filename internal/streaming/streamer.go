package streaming

// Mode is the per-instance streaming mode. The tree controller is the only
// writer, which keeps a child's mode consistent with its parent's.
type Mode int

const (
	ModeIdle Mode = iota
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Streamer is implemented by every component that carries incremental state.
// Components compose into trees: a parent's step function may invoke its
// children's step functions, each child consuming its own state container.
// Step functions themselves are typed per component; the interface covers
// only what the generic tree controller needs.
type Streamer interface {
	// InitState returns a fresh state container for batchSize. Must be
	// deterministic given batchSize and the component's static configuration,
	// and every tensor it stores must have leading axis batchSize.
	InitState(batchSize int) (*State, error)

	// Children returns the direct child components in a fixed order.
	Children() []Streamer

	// Name identifies the component in errors and logs.
	Name() string

	node() *Node
}

// Node carries a component's streaming mode, batch size and state container.
// Embed it in a component struct to satisfy the stateful half of Streamer;
// only the controller in this package mutates it.
type Node struct {
	mode  Mode
	batch int
	state *State
}

func (n *Node) node() *Node { return n }

// Mode returns the current streaming mode.
func (n *Node) Mode() Mode { return n.mode }

// Streaming reports whether the component is in streaming mode.
func (n *Node) Streaming() bool { return n.mode == ModeStreaming }

// BatchSize returns the active session's batch size, 0 when idle.
func (n *Node) BatchSize() int { return n.batch }

// State returns the active state container, nil when idle.
func (n *Node) State() *State { return n.state }
