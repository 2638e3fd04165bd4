package orchestrator

import "testing"

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskState
		allowed  bool
	}{
		{TaskStateQueued, TaskStateRunning, true},
		{TaskStateQueued, TaskStateCancelled, true},
		{TaskStateQueued, TaskStateCompleted, true},
		{TaskStateQueued, TaskStateQueued, false},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateCancelled, true},
		{TaskStateRunning, TaskStateRunning, true},
		{TaskStateRunning, TaskStateQueued, false},
		{TaskStateCompleted, TaskStateRunning, false},
		{TaskStateCompleted, TaskStateFailed, false},
		{TaskStateFailed, TaskStateCompleted, false},
		{TaskStateCancelled, TaskStateRunning, false},
		{TaskStateCancelled, TaskStateCancelled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	terminal := map[TaskState]bool{
		TaskStateQueued:    false,
		TaskStateRunning:   false,
		TaskStateCompleted: true,
		TaskStateFailed:    true,
		TaskStateCancelled: true,
	}
	for state, want := range terminal {
		if got := state.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", state, got, want)
		}
	}
}

func TestEnumValidation(t *testing.T) {
	if err := TaskState("booting").Validate(); err == nil {
		t.Error("unknown task state passed validation")
	}
	if err := ResourceKind("toaster").Validate(); err == nil {
		t.Error("unknown resource kind passed validation")
	}
	if err := Action("reboot").Validate(); err == nil {
		t.Error("unknown action passed validation")
	}
}
