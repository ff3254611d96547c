package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kalambet/cadence/internal/hybrid"
	"github.com/kalambet/cadence/internal/tracker"
)

const maxRequestBodySize = 1 << 20 // 1MB

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps tracker errors onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, tracker.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// SyncInfo tells callers whether a mutation is durable locally and what
// happened remotely.
type SyncInfo struct {
	Durable bool                 `json:"durable"`
	Remote  hybrid.RemoteOutcome `json:"remote"`
	Status  hybrid.Status        `json:"status"`
	Error   string               `json:"error,omitempty"`
}

func syncInfo(res hybrid.UpdateResult) SyncInfo {
	si := SyncInfo{Durable: res.Durable, Remote: res.Remote, Status: res.Status}
	if res.RemoteErr != nil {
		si.Error = res.RemoteErr.Error()
	}
	return si
}

// writeMutation writes {"<field>": v, "sync": {...}}.
func writeMutation(w http.ResponseWriter, code int, field string, v any, res hybrid.UpdateResult) {
	body := map[string]any{"sync": syncInfo(res)}
	if field != "" {
		body[field] = v
	}
	writeJSON(w, code, body)
}
