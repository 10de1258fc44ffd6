package process

// State represents the lifecycle phase of a supervised child.
type State string

// Child states.
const (
	StateIdle     State = "idle"     // Not launched
	StateStarting State = "starting" // Being launched
	StateRunning  State = "running"  // Output is being streamed
	StateStopping State = "stopping" // Stop signal sent, waiting for exit
	StateExited   State = "exited"   // Reaped
	StateError    State = "error"    // Failed to launch
)

// StateChangeCallback is called when the child changes state.
// Used for domain-specific reactions (e.g., metrics, logging).
type StateChangeCallback func(oldState, newState State)
