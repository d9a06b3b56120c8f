package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/services/activation"
)

// ActivationRequest asks an agent to switch its active artifact.
type ActivationRequest struct {
	Target string `json:"target"`
}

func (a *API) handleRequestActivation(w http.ResponseWriter, r *http.Request) {
	agentID, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wait, err := waitParam(r, a.config.MaxWait)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req ActivationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	target, err := digest.Parse(req.Target)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	snap, err := a.core.RequestActivation(ctx, agentID, target)
	cancel()
	if err != nil {
		respondFailure(w, err)
		return
	}
	a.respondActivation(w, r, snap.ID, snap, wait)
}

func (a *API) handleGetActivation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	wait, err := waitParam(r, a.config.MaxWait)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := a.core.GetActivationStatus(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	a.respondActivation(w, r, id, snap, wait)
}

// respondActivation optionally blocks up to wait for the request to resolve.
// An unresolved request is reported with 202.
func (a *API) respondActivation(w http.ResponseWriter, r *http.Request, id uuid.UUID, snap activation.Snapshot, wait time.Duration) {
	if wait > 0 && !snap.State.Terminal() {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		done, err := a.core.WaitActivation(ctx, id)
		switch {
		case err == nil:
			snap = done
		case errors.Is(err, context.DeadlineExceeded):
			if latest, serr := a.core.GetActivationStatus(id); serr == nil {
				snap = latest
			}
		default:
			respondFailure(w, err)
			return
		}
	}

	status := http.StatusOK
	if !snap.State.Terminal() {
		status = http.StatusAccepted
	}
	respondJSON(w, status, snap)
}
