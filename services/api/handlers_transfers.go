package api

import (
	"net/http"

	"fleetd/pkg/digest"
)

// TransferRequest asks for root's closure to be delivered to an agent.
type TransferRequest struct {
	Root     string `json:"root"`
	Activate bool   `json:"activate,omitempty"`
}

func (a *API) handleRequestTransfer(w http.ResponseWriter, r *http.Request) {
	agentID, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	root, err := digest.Parse(req.Root)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	snap, err := a.core.RequestTransfer(ctx, agentID, root, req.Activate)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, snap)
}

func (a *API) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := a.core.GetTransferStatus(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (a *API) handleResumeTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := a.core.ResumeTransfer(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, snap)
}

func (a *API) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.core.CancelTransfer(id); err != nil {
		respondFailure(w, err)
		return
	}
	snap, err := a.core.GetTransferStatus(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
