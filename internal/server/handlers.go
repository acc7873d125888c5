package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/agent/triage"
	"github.com/neboloop/vox/internal/agent/uiauto"
	"github.com/neboloop/vox/internal/httputil"
	"github.com/neboloop/vox/internal/voice"
)

type startResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

func (s *server) ingestNotification(w http.ResponseWriter, r *http.Request) {
	if s.Triage == nil || s.Agents == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "triage is not available")
		return
	}
	var ev triage.Event
	if err := httputil.Decode(r, &ev); err != nil {
		httputil.Error(w, err)
		return
	}
	if strings.TrimSpace(ev.Source) == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "source is required")
		return
	}
	if ev.PostedAt.IsZero() {
		ev.PostedAt = time.Now()
	}

	id, mode, err := s.Triage.Start(r.Context(), s.Agents, ev)
	if err != nil {
		s.writeSpawnError(w, err)
		return
	}
	if id == "" {
		httputil.WriteJSON(w, http.StatusAccepted, startResponse{Status: "ignored"})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, startResponse{Status: "started", AgentID: id, Mode: mode.String()})
}

func (s *server) writeSpawnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTooManyAgents):
		httputil.ErrorWithCode(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, uiauto.ErrDeviceDisconnected):
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "no device is connected")
	default:
		s.log.Errorw("start failed", "error", err)
		httputil.InternalError(w, "")
	}
}

type entriesResponse struct {
	Entries any `json:"entries"`
}

func (s *server) peekPending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Queue.Peek(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, entriesResponse{Entries: entries})
}

func (s *server) drainPending(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Queue.Drain(r.Context())
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.OkJSON(w, entriesResponse{Entries: entries})
}

func (s *server) writeRuleError(w http.ResponseWriter, err error) {
	if errors.Is(err, triage.ErrRuleNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalError(w, err.Error())
}

func (s *server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Rules.List(r.Context())
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	if rules == nil {
		rules = []triage.Rule{}
	}
	httputil.OkJSON(w, map[string]any{"rules": rules})
}

func (s *server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule triage.Rule
	if err := httputil.Decode(r, &rule); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := rule.Validate(); err != nil {
		httputil.Error(w, err)
		return
	}
	created, err := s.Rules.Create(r.Context(), rule)
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (s *server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.Rules.Get(r.Context(), httputil.PathVar(r, "id"))
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	httputil.OkJSON(w, rule)
}

func (s *server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule triage.Rule
	if err := httputil.Decode(r, &rule); err != nil {
		httputil.Error(w, err)
		return
	}
	rule.ID = httputil.PathVar(r, "id")
	if err := rule.Validate(); err != nil {
		httputil.Error(w, err)
		return
	}
	updated, err := s.Rules.Update(r.Context(), rule)
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	httputil.OkJSON(w, updated)
}

func (s *server) setRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := httputil.Decode(r, &body); err != nil {
		httputil.Error(w, err)
		return
	}
	if body.Enabled == nil {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "enabled is required")
		return
	}
	id := httputil.PathVar(r, "id")
	if err := s.Rules.SetEnabled(r.Context(), id, *body.Enabled); err != nil {
		s.writeRuleError(w, err)
		return
	}
	s.getRule(w, r)
}

func (s *server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.Rules.Delete(r.Context(), httputil.PathVar(r, "id")); err != nil {
		s.writeRuleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reorderRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := httputil.Decode(r, &body); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := s.Rules.Reorder(r.Context(), body.IDs); err != nil {
		s.writeRuleError(w, err)
		return
	}
	s.listRules(w, r)
}

func (s *server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.Rules.ActiveSources(r.Context())
	if err != nil {
		s.writeRuleError(w, err)
		return
	}
	if sources == nil {
		sources = []string{}
	}
	httputil.OkJSON(w, map[string]any{"sources": sources})
}

func (s *server) startAutomation(w http.ResponseWriter, r *http.Request) {
	if s.Automation == nil || s.Agents == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "phone automation is not enabled")
		return
	}
	var body struct {
		Goal string `json:"goal"`
	}
	if err := httputil.Decode(r, &body); err != nil {
		httputil.Error(w, err)
		return
	}
	if strings.TrimSpace(body.Goal) == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "goal is required")
		return
	}
	id, err := s.Automation.Start(r.Context(), s.Agents, body.Goal)
	if err != nil {
		s.writeSpawnError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, startResponse{Status: "started", AgentID: id})
}

type agentView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	Iterations  int        `json:"iterations,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func viewOf(a *orchestrator.SubAgent) agentView {
	v := agentView{
		ID:          a.ID,
		Kind:        a.Kind,
		Description: a.Description,
		Status:      string(a.Status),
		StartedAt:   a.StartedAt,
	}
	if a.Outcome != nil {
		v.Message = a.Outcome.Message
		v.Iterations = a.Outcome.Iterations
	}
	if a.Error != nil {
		v.Error = a.Error.Error()
	}
	if !a.CompletedAt.IsZero() {
		t := a.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func (s *server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		httputil.OkJSON(w, map[string]any{"agents": []agentView{}})
		return
	}
	list := s.Agents.List()
	views := make([]agentView, 0, len(list))
	for _, a := range list {
		views = append(views, viewOf(a))
	}
	httputil.OkJSON(w, map[string]any{"agents": views})
}

func (s *server) getAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		httputil.NotFound(w, "")
		return
	}
	a, ok := s.Agents.Get(httputil.PathVar(r, "id"))
	if !ok {
		httputil.NotFound(w, "agent not found")
		return
	}
	httputil.OkJSON(w, viewOf(a))
}

func (s *server) cancelAgent(w http.ResponseWriter, r *http.Request) {
	if s.Agents == nil {
		httputil.NotFound(w, "")
		return
	}
	if err := s.Agents.Cancel(httputil.PathVar(r, "id")); err != nil {
		if errors.Is(err, orchestrator.ErrAgentNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.ErrorWithCode(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) sessionState(w http.ResponseWriter, r *http.Request) {
	if s.Session == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "no interactive session")
		return
	}
	httputil.OkJSON(w, map[string]any{
		"state":   s.Session.State().String(),
		"history": len(s.Session.ExportHistory()),
	})
}

func (s *server) sessionText(w http.ResponseWriter, r *http.Request) {
	if s.Session == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "no interactive session")
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := httputil.Decode(r, &body); err != nil {
		httputil.Error(w, err)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.Session.Submit(r.Context(), body.Text); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) sessionMic(w http.ResponseWriter, r *http.Request) {
	if s.Session == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "no interactive session")
		return
	}
	if err := s.Session.MicPress(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	httputil.OkJSON(w, map[string]string{"state": s.Session.State().String()})
}

func (s *server) clearHistory(w http.ResponseWriter, r *http.Request) {
	if s.Session == nil {
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, "no interactive session")
		return
	}
	s.Session.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voice.ErrBusy), errors.Is(err, voice.ErrMicBusy):
		httputil.ErrorWithCode(w, http.StatusConflict, err.Error())
	case errors.Is(err, voice.ErrNoRecognizer), errors.Is(err, voice.ErrClosed):
		httputil.ErrorWithCode(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalError(w, err.Error())
	}
}
