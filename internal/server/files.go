package server

import (
	"errors"
	"net/http"

	"github.com/raphaelgruber/dataops-go/internal/service"
)

// ValidateActionsRequest asks whether action may start on each file.
type ValidateActionsRequest struct {
	Action string   `json:"action" validate:"required,oneof=download transfer delete upload"`
	Files  []string `json:"files" validate:"required,min=1,dive,required"`
}

// writeResult maps a dispatcher outcome onto the response envelope.
func writeResult(w http.ResponseWriter, res service.Result, accepted any) {
	switch res.Kind {
	case service.ResultAccepted:
		writeJSON(w, http.StatusAccepted, accepted, "")
	case service.ResultValidation:
		fail(w, http.StatusBadRequest, res.Err)
	case service.ResultNotFound:
		fail(w, http.StatusNotFound, res.Err)
	case service.ResultConflict:
		writeJSON(w, http.StatusConflict, res.Conflicts, res.Err.Error())
	case service.ResultLockConflict:
		var le *service.LockConflictError
		var blocked any
		if errors.As(res.Err, &le) {
			blocked = map[string]string{"path": le.Path, "current_action": le.CurrentAction}
		}
		writeJSON(w, http.StatusBadRequest, blocked, res.Err.Error())
	default:
		fail(w, http.StatusInternalServerError, res.Err)
	}
}

func (s *Server) handleFileOperations(w http.ResponseWriter, r *http.Request) {
	var req service.BatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	req.AuthToken = r.Header.Get("Authorization")

	res := s.deps.Dispatcher.Dispatch(r.Context(), req)
	writeResult(w, res, res.Jobs)
}

func (s *Server) handleRepeatCheck(w http.ResponseWriter, r *http.Request) {
	var req service.BatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	res := s.deps.Dispatcher.RepeatCheck(r.Context(), req)
	if res.Kind == service.ResultAccepted {
		ok(w, map[string]any{"conflicts": []service.Conflict{}})
		return
	}
	writeResult(w, res, nil)
}

func (s *Server) handleValidateActions(w http.ResponseWriter, r *http.Request) {
	var req ValidateActionsRequest
	if !s.decode(w, r, &req) {
		return
	}
	checks, err := s.deps.Ledger.ValidateActions(r.Context(), req.Action, req.Files)
	if err != nil {
		fail(w, http.StatusInternalServerError, err)
		return
	}
	ok(w, checks)
}
