package gateway

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/vespo92/boonerd/pkg/orchestrator"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.DeploymentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	taskID, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.dispatcher.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatcher.Status(r.Context(), r.PathValue("taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.dispatcher.Cancel(r.Context(), r.PathValue("taskID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type actionRequest struct {
	ResourceKind orchestrator.ResourceKind `json:"resource_kind"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("resourceName")
	action := orchestrator.Action(r.PathValue("action"))

	var body actionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	kind := body.ResourceKind
	if kind == "" {
		kind = orchestrator.ResourceKind(r.URL.Query().Get("kind"))
	}
	if kind == "" {
		kind = orchestrator.KindGameServer
	}

	if action == orchestrator.ActionStatus {
		last, live, err := s.dispatcher.ResourceStatus(r.Context(), kind, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp := map[string]any{"task": last}
		if live != nil {
			resp["live"] = live
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	taskID, err := s.dispatcher.Act(r.Context(), kind, name, action)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// handleGenerate submits a generation task through the same pipeline as
// infrastructure deployments; the response arrives on the task record.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	name := fmt.Sprintf("generate-%s", uuid.New().String()[:8])
	taskID, err := s.dispatcher.Submit(r.Context(), orchestrator.DeploymentRequest{
		ResourceKind: orchestrator.KindLLMTask,
		ResourceName: name,
		Parameters: map[string]any{
			"name":        name,
			"prompt":      req.Prompt,
			"model":       req.Model,
			"system":      req.System,
			"temperature": req.Temperature,
			"max_tokens":  float64(req.MaxTokens),
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

type embedRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil {
		s.writeError(w, orchestrator.NewTransientError("embedding backend not configured", nil))
		return
	}
	var req embedRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Text == "" {
		s.writeError(w, orchestrator.NewValidationError("text is required", nil).
			WithCode(orchestrator.ErrCodeValidation))
		return
	}

	vec, err := s.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, orchestrator.NewTransientError("embedding failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedding": vec, "dimensions": len(vec)})
}

type documentInput struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type addDocumentsRequest struct {
	Documents []documentInput `json:"documents"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		s.writeError(w, orchestrator.NewTransientError("knowledge store not configured", nil))
		return
	}
	var req addDocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Documents) == 0 {
		s.writeError(w, orchestrator.NewValidationError("documents is required", nil).
			WithCode(orchestrator.ErrCodeValidation))
		return
	}

	texts := make([]string, len(req.Documents))
	metadata := make([]map[string]any, len(req.Documents))
	for i, d := range req.Documents {
		if d.Text == "" {
			s.writeError(w, orchestrator.NewValidationError("document text is required", nil).
				WithCode(orchestrator.ErrCodeValidation))
			return
		}
		texts[i] = d.Text
		metadata[i] = d.Metadata
	}

	ids, err := s.knowledge.AddBatch(r.Context(), texts, metadata)
	if err != nil {
		s.writeError(w, orchestrator.NewTransientError("document ingest failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

type knowledgeQueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (s *Server) handleKnowledgeQuery(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		s.writeError(w, orchestrator.NewTransientError("knowledge store not configured", nil))
		return
	}
	var req knowledgeQueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, orchestrator.NewValidationError("query is required", nil).
			WithCode(orchestrator.ErrCodeValidation))
		return
	}

	matches, err := s.knowledge.Query(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.writeError(w, orchestrator.NewTransientError("knowledge query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type webhookRequest struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// handleWebhook accepts inbound events from peer services. Events are logged
// and acknowledged; there is no durable event pipeline behind this endpoint.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.
		WithField("event_type", req.EventType).
		WithField("source", req.Source).
		Info("webhook received")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
