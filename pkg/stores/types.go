package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// taskRow is the database shape of a task record. Parameters, result, and
// error are stored as JSON text columns.
type taskRow struct {
	ID           string
	ResourceKind string
	ResourceName string
	Operation    string
	State        string
	Attempt      int
	Parameters   string
	Result       sql.NullString
	Error        sql.NullString
	ParentID     string
	Seq          int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// storedError is the persisted form of a classified error. The wrapped cause
// survives only as text; classification and context fields round-trip.
type storedError struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Operation string `json:"operation,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

func rowFromTask(t *orchestrator.Task, seq int64) (taskRow, error) {
	params, err := json.Marshal(t.Request.Parameters)
	if err != nil {
		return taskRow{}, fmt.Errorf("failed to encode parameters: %w", err)
	}
	row := taskRow{
		ID:           t.ID,
		ResourceKind: string(t.Request.ResourceKind),
		ResourceName: t.Request.ResourceName,
		Operation:    string(t.Operation),
		State:        string(t.State),
		Attempt:      t.Attempt,
		Parameters:   string(params),
		ParentID:     t.ParentID,
		Seq:          seq,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}

	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return taskRow{}, fmt.Errorf("failed to encode result: %w", err)
		}
		row.Result = sql.NullString{String: string(b), Valid: true}
	}
	if t.Error != nil {
		se := storedError{
			Class:     string(t.Error.Class),
			Message:   t.Error.Message,
			Code:      t.Error.Code,
			Resource:  t.Error.Resource,
			Operation: t.Error.Operation,
		}
		if t.Error.Err != nil {
			se.Cause = t.Error.Err.Error()
		}
		b, err := json.Marshal(se)
		if err != nil {
			return taskRow{}, fmt.Errorf("failed to encode error: %w", err)
		}
		row.Error = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

func (r taskRow) toTask() (orchestrator.Task, error) {
	var params map[string]any
	if r.Parameters != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
			return orchestrator.Task{}, fmt.Errorf("failed to decode parameters: %w", err)
		}
	}

	t := orchestrator.Task{
		ID: r.ID,
		Request: orchestrator.DeploymentRequest{
			ResourceKind: orchestrator.ResourceKind(r.ResourceKind),
			ResourceName: r.ResourceName,
			Parameters:   params,
		},
		Operation: orchestrator.Operation(r.Operation),
		State:     orchestrator.TaskState(r.State),
		Attempt:   r.Attempt,
		ParentID:  r.ParentID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if r.Result.Valid {
		var desc orchestrator.ResourceDescriptor
		if err := json.Unmarshal([]byte(r.Result.String), &desc); err != nil {
			return orchestrator.Task{}, fmt.Errorf("failed to decode result: %w", err)
		}
		t.Result = &desc
	}
	if r.Error.Valid {
		var se storedError
		if err := json.Unmarshal([]byte(r.Error.String), &se); err != nil {
			return orchestrator.Task{}, fmt.Errorf("failed to decode error: %w", err)
		}
		oe := &orchestrator.Error{
			Class:     orchestrator.ErrorClass(se.Class),
			Message:   se.Message,
			Code:      se.Code,
			Resource:  se.Resource,
			Operation: se.Operation,
		}
		if se.Cause != "" {
			oe.Err = fmt.Errorf("%s", se.Cause)
		}
		t.Error = oe
	}
	return t, nil
}
