package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

// CreateTaskRequest registers a job started outside the dispatchers, such as
// an upload or download.
type CreateTaskRequest struct {
	SessionID    string         `json:"session_id" validate:"required"`
	Label        string         `json:"label"`
	TaskID       string         `json:"task_id"`
	JobID        string         `json:"job_id" validate:"required"`
	Source       string         `json:"source" validate:"required"`
	Action       string         `json:"action" validate:"required"`
	TargetStatus string         `json:"target_status"`
	Code         string         `json:"code" validate:"required"`
	Operator     string         `json:"operator" validate:"required"`
	Progress     int            `json:"progress" validate:"gte=0,lte=100"`
	Payload      models.Payload `json:"payload"`
}

// UpdateTaskRequest moves an existing job to a new status.
type UpdateTaskRequest struct {
	SessionID  string         `json:"session_id" validate:"required"`
	Label      string         `json:"label"`
	JobID      string         `json:"job_id" validate:"required"`
	Status     string         `json:"status" validate:"required"`
	AddPayload models.Payload `json:"add_payload"`
	Progress   int            `json:"progress" validate:"gte=0,lte=100"`
}

func filterFromQuery(r *http.Request) service.JobFilter {
	q := r.URL.Query()
	return service.JobFilter{
		SessionID: q.Get("session_id"),
		Label:     q.Get("label"),
		JobID:     q.Get("job_id"),
		Code:      q.Get("code"),
		Action:    q.Get("action"),
		Operator:  q.Get("operator"),
	}
}

func snapshots(jobs []*models.Job) []models.Job {
	out := make([]models.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// ledgerError maps ledger sentinels to status codes.
func ledgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionRequired), errors.Is(err, service.ErrPrecondition):
		fail(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrDuplicateJobID):
		fail(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrJobNotFound):
		fail(w, http.StatusNotFound, err)
	default:
		fail(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	status := models.StatusInit
	if req.TargetStatus != "" {
		st, err := models.ParseJobStatus(req.TargetStatus)
		if err != nil {
			fail(w, http.StatusBadRequest, err)
			return
		}
		status = st
	}

	ctx := r.Context()
	job := s.deps.Ledger.Create(req.SessionID, req.Code, req.Action, req.Operator, req.Label, req.TaskID)
	if err := s.deps.Ledger.AssignID(ctx, job, req.JobID); err != nil {
		ledgerError(w, err)
		return
	}
	job.Source = req.Source
	job.Status = status
	job.Progress = req.Progress
	job.Payload.Merge(req.Payload)

	if err := s.deps.Ledger.Save(ctx, job); err != nil {
		ledgerError(w, err)
		return
	}
	ok(w, job.Snapshot())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Ledger.Query(r.Context(), filterFromQuery(r))
	if err != nil {
		ledgerError(w, err)
		return
	}
	ok(w, snapshots(jobs))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := models.ParseJobStatus(req.Status)
	if err != nil {
		fail(w, http.StatusBadRequest, err)
		return
	}
	label := req.Label
	if label == "" {
		label = service.DefaultLabel
	}
	job, err := s.deps.Ledger.Update(r.Context(), service.JobUpdate{
		SessionID: req.SessionID,
		Label:     label,
		JobID:     req.JobID,
		Status:    status,
		Progress:  req.Progress,
		Payload:   req.AddPayload,
	})
	if err != nil {
		ledgerError(w, err)
		return
	}
	ok(w, job.Snapshot())
}

func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	var f service.JobFilter
	if !s.decode(w, r, &f) {
		return
	}
	n, err := s.deps.Ledger.Delete(r.Context(), f)
	if err != nil {
		ledgerError(w, err)
		return
	}
	ok(w, map[string]int{"deleted": n})
}

// handleWatchTasks streams the jobs matching the query filter over a
// websocket. A frame is sent on connect and whenever the list changes.
func (s *Server) handleWatchTasks(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	if f.SessionID == "" {
		fail(w, http.StatusBadRequest, service.ErrSessionRequired)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := r.Context()

	// The reader only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.deps.WatchInterval)
	defer ticker.Stop()

	var last []byte
	for {
		jobs, err := s.deps.Ledger.Query(ctx, f)
		if err != nil {
			s.logger.Error("watch query failed", "session_id", f.SessionID, "error", err)
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "query failed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		frame, err := json.Marshal(snapshots(jobs))
		if err != nil {
			s.logger.Error("watch encode failed", "error", err)
			return
		}
		if !bytes.Equal(frame, last) {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("watch client gone", "error", fmt.Errorf("write: %w", err))
				return
			}
			last = frame
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}
