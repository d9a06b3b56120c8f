package api

import (
	"net/http"
	"strconv"
)

func (a *API) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.core.ListAgents())
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	agent, err := a.core.GetAgent(id)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (a *API) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.core.TransferHistory(ctx, id, limit)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (a *API) handleActivationHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	entries, err := a.core.ActivationHistory(ctx, id, limit)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}
