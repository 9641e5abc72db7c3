package orchestrator

import "fmt"

// State is a run lifecycle state
type State string

const (
	StateInit         State = "init"          // configuration loaded, nothing on disk yet
	StateProvisioned  State = "provisioned"   // workspace and containers exist
	StateTasksRunning State = "tasks_running" // task plugins executing in order
	StateHarvesting   State = "harvesting"    // collecting loose artifacts into the processing container
	StatePublishing   State = "publishing"    // mirroring processing to publish
	StateDone         State = "done"          // summary written
	StateFatal        State = "fatal"         // run aborted before any task executed
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateInit: {
		StateProvisioned: true,
		StateFatal:       true, // workspace could not be created
	},
	StateProvisioned: {
		StateTasksRunning: true,
		StateFatal:        true, // run log could not be opened
	},
	StateTasksRunning: {
		StateHarvesting: true,
	},
	StateHarvesting: {
		StatePublishing: true,
	},
	StatePublishing: {
		StateDone: true,
	},
	StateDone:  {},
	StateFatal: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal
func IsTerminalState(s State) bool {
	return s == StateDone || s == StateFatal
}
