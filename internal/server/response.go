package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Response is the envelope of every JSON endpoint.
type Response struct {
	Code     int    `json:"code"`
	ErrorMsg string `json:"error_msg"`
	Result   any    `json:"result"`
}

func writeJSON(w http.ResponseWriter, code int, result any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Code: code, ErrorMsg: errMsg, Result: result})
}

func ok(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, result, "")
}

func fail(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, nil, err.Error())
}

// readJSON reads a JSON body into dst without validating it.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// decode reads a JSON body into dst and validates its struct tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !readJSON(w, r, dst) {
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		fail(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage names each failing field once.
func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}
