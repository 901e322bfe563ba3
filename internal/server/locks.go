package server

import (
	"errors"
	"net/http"

	"github.com/raphaelgruber/dataops-go/internal/lock"
)

// LockRequest names one resource and the lock intent.
type LockRequest struct {
	ResourceKey string `json:"resource_key" validate:"required"`
	Operation   string `json:"operation" validate:"required,oneof=read write"`
}

// BulkLockRequest names several resources with one intent.
type BulkLockRequest struct {
	ResourceKeys []string `json:"resource_keys" validate:"required,min=1,dive,required"`
	Operation    string   `json:"operation" validate:"required,oneof=read write"`
}

// LockResult is the result of single-key lock endpoints. Status is the
// stored "read_count,write_count" entry for checks, or null when idle.
type LockResult struct {
	Key    string  `json:"key"`
	Status *string `json:"status"`
}

// lockError maps locker failures that are not plain refusals.
func lockError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lock.ErrInvalidOperation):
		fail(w, http.StatusBadRequest, err)
	case errors.Is(err, lock.ErrContention):
		fail(w, http.StatusServiceUnavailable, err)
	default:
		fail(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !s.decode(w, r, &req) {
		return
	}
	granted, err := s.deps.Locker.Lock(r.Context(), req.ResourceKey, lock.Operation(req.Operation))
	if err != nil {
		lockError(w, err)
		return
	}
	code := http.StatusOK
	if !granted {
		code = http.StatusConflict
	}
	writeJSON(w, code, LockResult{Key: req.ResourceKey}, "")
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !s.decode(w, r, &req) {
		return
	}
	released, err := s.deps.Locker.Unlock(r.Context(), req.ResourceKey, lock.Operation(req.Operation))
	if err != nil {
		lockError(w, err)
		return
	}
	code := http.StatusOK
	if !released {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, LockResult{Key: req.ResourceKey}, "")
}

func (s *Server) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("resource_key")
	if key == "" {
		fail(w, http.StatusBadRequest, errors.New("resource_key is required"))
		return
	}
	st, err := s.deps.Locker.Check(r.Context(), key)
	if err != nil {
		lockError(w, err)
		return
	}
	res := LockResult{Key: key}
	if st != nil {
		status := st.String()
		res.Status = &status
	}
	ok(w, res)
}

func (s *Server) handleBulkLock(w http.ResponseWriter, r *http.Request) {
	var req BulkLockRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.deps.Locker.BulkLock(r.Context(), req.ResourceKeys, lock.Operation(req.Operation))
	if err != nil {
		lockError(w, err)
		return
	}
	code := http.StatusOK
	if !lock.AllGranted(rows) {
		code = http.StatusConflict
	}
	writeJSON(w, code, rows, "")
}

func (s *Server) handleBulkUnlock(w http.ResponseWriter, r *http.Request) {
	var req BulkLockRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.deps.Locker.BulkUnlock(r.Context(), req.ResourceKeys, lock.Operation(req.Operation))
	if err != nil {
		lockError(w, err)
		return
	}
	code := http.StatusOK
	if !lock.AllGranted(rows) {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, rows, "")
}

func (s *Server) handleClearLocks(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Locker.Clear(r.Context())
	if err != nil {
		lockError(w, err)
		return
	}
	ok(w, map[string]int{"cleared": n})
}
