package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
)

type errorResponse struct {
	Error  string       `json:"error"`
	Reason fleet.Reason `json:"reason,omitempty"`
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

// respondFailure maps a classified error onto an HTTP status.
func respondFailure(w http.ResponseWriter, err error) {
	reason := fleet.ReasonOf(err)
	respondJSON(w, statusFor(reason), errorResponse{Error: err.Error(), Reason: reason})
}

func statusFor(reason fleet.Reason) int {
	switch reason {
	case fleet.ReasonNotFound, fleet.ReasonUnknownArtifact:
		return http.StatusNotFound
	case fleet.ReasonAgentUnreachable, fleet.ReasonCanceled:
		return http.StatusServiceUnavailable
	case fleet.ReasonTransferInProgress, fleet.ReasonActivationInProgress:
		return http.StatusConflict
	case fleet.ReasonIncompleteClosure:
		return http.StatusUnprocessableEntity
	case fleet.ReasonHashMismatch, fleet.ReasonStorageExhausted, fleet.ReasonActivationHookFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 30*time.Second)
}

func idParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid " + name)
	}
	return id, nil
}

func digestParam(r *http.Request) (digest.Digest, error) {
	return digest.Parse(chi.URLParam(r, "digest"))
}

// waitParam reads ?wait=<duration>, capped at max.
func waitParam(r *http.Request, max time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("invalid wait duration")
	}
	if d > max {
		d = max
	}
	return d, nil
}
