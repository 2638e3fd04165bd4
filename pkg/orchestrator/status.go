package orchestrator

import (
	"encoding/json"
	"fmt"
)

// TaskState represents the lifecycle state of a task.
// The state machine is queued -> running -> {completed | failed}, with
// cancelled reachable from the two non-terminal states. No transition
// leaves a terminal state.
type TaskState string

const (
	// TaskStateQueued indicates the task is accepted but not yet picked up.
	TaskStateQueued TaskState = "queued"

	// TaskStateRunning indicates a reconciler is driving the task.
	TaskStateRunning TaskState = "running"

	// TaskStateCompleted indicates the task finished with a result.
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed indicates the task finished with an error.
	TaskStateFailed TaskState = "failed"

	// TaskStateCancelled indicates the task was cancelled before reaching a
	// natural terminal state.
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal returns true if the state is final.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// rank orders states along the partial order queued < running < terminal.
// Used to reject regressions in Transition.
func (s TaskState) rank() int {
	switch s {
	case TaskStateQueued:
		return 0
	case TaskStateRunning:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo reports whether the state machine permits moving from s
// to next.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == s {
		// running -> running is how attempt counts are bumped mid-flight.
		return s == TaskStateRunning
	}
	return next.rank() > s.rank()
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateQueued, TaskStateRunning, TaskStateCompleted,
		TaskStateFailed, TaskStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskState(str)
	return s.Validate()
}

// ResourceKind identifies which driver owns a deployment request.
type ResourceKind string

const (
	// KindGameServer deploys a containerized game server.
	KindGameServer ResourceKind = "game_server"

	// KindFirewallRule manages a firewall rule on the edge router.
	KindFirewallRule ResourceKind = "firewall_rule"

	// KindLLMTask runs a one-shot text generation against the model backend.
	KindLLMTask ResourceKind = "llm_task"
)

// Validate checks if the resource kind is valid.
func (k ResourceKind) Validate() error {
	switch k {
	case KindGameServer, KindFirewallRule, KindLLMTask:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Operation is what the reconciler asks the driver to do for a task.
type Operation string

const (
	// OperationApply drives the resource toward its desired state.
	OperationApply Operation = "apply"

	// OperationTeardown removes the resource.
	OperationTeardown Operation = "teardown"
)

// Action is a lifecycle action requested against an existing resource.
type Action string

const (
	// ActionStart (re)applies the resource's last known desired state.
	ActionStart Action = "start"

	// ActionStop tears the resource down.
	ActionStop Action = "stop"

	// ActionRestart is stop followed by start, ordered by completion.
	ActionRestart Action = "restart"

	// ActionStatus reports the resource's current state.
	ActionStatus Action = "status"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionStatus:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}
