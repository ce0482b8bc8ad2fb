package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/internal/apperr"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks     Tasks
	Proposals Proposals
	Policies  Policies
	Fleet     Fleet
	Chat      Chat
	Running   func() []string // agents with a live runtime in this process
	Logger    *slog.Logger
	Version   string
	StartAt   time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/status", h.updateTaskStatus)

	mux.HandleFunc("GET /api/proposals", h.listProposals)
	mux.HandleFunc("POST /api/proposals", h.propose)
	mux.HandleFunc("GET /api/proposals/{id}", h.getProposal)
	mux.HandleFunc("POST /api/proposals/{id}/approve", h.approve)
	mux.HandleFunc("POST /api/proposals/{id}/deny", h.deny)

	mux.HandleFunc("GET /api/policies", h.listPolicies)
	mux.HandleFunc("PUT /api/policies", h.upsertPolicy)
	mux.HandleFunc("DELETE /api/policies/{id}", h.deletePolicy)

	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.hireAgent)
	mux.HandleFunc("GET /api/agents/{id}", h.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", h.fireAgent)
	mux.HandleFunc("PATCH /api/agents/{id}/soul", h.setSoul)

	mux.HandleFunc("GET /api/channels/{channel}/messages", h.listMessages)
	mux.HandleFunc("POST /api/channels/{channel}/messages", h.postMessage)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// StatusFor maps an error to its HTTP status by apperr code.
func StatusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeUnauthorized:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeExternalFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger().Error("api request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		writeError(w, status, ae.Message())
		return
	}
	writeError(w, status, err.Error())
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// caller returns the authenticated caller or answers 401.
func caller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	c, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no organization in credentials")
	}
	return c, ok
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// --- Task handlers ---

// createTaskRequest is the body of POST /api/tasks. A non-empty AssigneeID
// creates the task already assigned.
type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TeamID      string `json:"team_id,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	AssigneeID  string `json:"assignee_id,omitempty"`
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := task.Filter{
		OrgID:      c.OrgID,
		AssigneeID: q.Get("assignee_id"),
		TeamID:     q.Get("team_id"),
		ParentID:   q.Get("parent_id"),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := task.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	prio := task.PriorityNormal
	if req.Priority != "" {
		p, ok := task.ParsePriority(req.Priority)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown priority "+req.Priority)
			return
		}
		prio = p
	}
	in := task.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		TeamID:      req.TeamID,
		Priority:    prio,
		ParentID:    req.ParentID,
	}

	if req.AssigneeID != "" {
		t, err := h.Tasks.CreateAssigned(r.Context(), c.OrgID, in, req.AssigneeID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
		return
	}
	id, err := h.Tasks.Create(r.Context(), c.OrgID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.Tasks.Get(r.Context(), c.OrgID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	t, err := h.Tasks.Get(r.Context(), c.OrgID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	id := r.PathValue("id")
	if err := h.Tasks.Assign(r.Context(), c.OrgID, id, req.AgentID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.getTask(w, r)
}

func (h *Handlers) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Status task.Status `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Tasks.UpdateStatus(r.Context(), c.OrgID, r.PathValue("id"), req.Status); err != nil {
		h.fail(w, r, err)
		return
	}
	h.getTask(w, r)
}

// --- Proposal handlers ---

func (h *Handlers) listProposals(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var status *proposal.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := proposal.Status(s)
		status = &st
	}
	ps, err := h.Proposals.List(r.Context(), c.OrgID, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []*proposal.Proposal{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handlers) propose(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req proposal.ProposeRequest
	if !decode(w, r, &req) {
		return
	}
	req.OrgID = c.OrgID
	res, err := h.Proposals.Propose(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) getProposal(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	p, err := h.Proposals.Get(r.Context(), c.OrgID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) approve(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.Proposals.Approve(r.Context(), c.OrgID, r.PathValue("id"), c.Subject)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) deny(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty body denies without a reason.
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.Proposals.Deny(r.Context(), c.OrgID, id, req.Reason, c.Subject); err != nil {
		h.fail(w, r, err)
		return
	}
	h.getProposal(w, r)
}

// --- Policy handlers ---

func (h *Handlers) listPolicies(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	ps, err := h.Policies.List(r.Context(), c.OrgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if ps == nil {
		ps = []*policy.Policy{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handlers) upsertPolicy(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var p policy.Policy
	if !decode(w, r, &p) {
		return
	}
	p.OrgID = c.OrgID
	if err := h.Policies.Upsert(r.Context(), &p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.Policies.Delete(r.Context(), c.OrgID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	agents, err := h.Fleet.List(r.Context(), c.OrgID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if agents == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) hireAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var in fleet.HireInput
	if !decode(w, r, &in) {
		return
	}
	a, err := h.Fleet.Hire(r.Context(), c.OrgID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	a, err := h.Fleet.Get(r.Context(), c.OrgID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) fireAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.Fleet.Fire(r.Context(), c.OrgID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setSoul(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Soul string `json:"soul"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.Fleet.SetSoul(r.Context(), c.OrgID, r.PathValue("id"), req.Soul); err != nil {
		h.fail(w, r, err)
		return
	}
	h.getAgent(w, r)
}

// --- Message handlers ---

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	channel := r.PathValue("channel")
	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		msgs []*comms.Message
		err  error
	)
	if a := q.Get("after"); a != "" {
		after, perr := strconv.ParseInt(a, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "after must be a sequence number")
			return
		}
		msgs, err = h.Chat.After(r.Context(), c.OrgID, channel, after, limit)
	} else {
		msgs, err = h.Chat.Recent(r.Context(), c.OrgID, channel, limit)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*comms.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
		TaskID  string `json:"task_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg := &comms.Message{
		OrgID:   c.OrgID,
		Channel: r.PathValue("channel"),
		Kind:    comms.KindChat,
		Content: req.Content,
		TaskID:  req.TaskID,
	}
	if err := h.Chat.Post(r.Context(), msg); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// --- Status ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime"] = time.Since(h.StartAt).Round(time.Second).String()
	}
	if h.Running != nil {
		resp["running_agents"] = len(h.Running())
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}
