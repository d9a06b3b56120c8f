package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"fleetd/pkg/digest"
	"fleetd/services/contentstore"
)

// ArtifactResponse describes a stored artifact and its closure.
type ArtifactResponse struct {
	contentstore.Artifact
	Closure []digest.Digest `json:"closure"`
}

func (a *API) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	refs := make([]digest.Digest, 0, len(r.URL.Query()["ref"]))
	for _, raw := range r.URL.Query()["ref"] {
		d, err := digest.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		refs = append(refs, d)
	}

	body := http.MaxBytesReader(w, r.Body, a.config.MaxArtifactSize)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("artifact payload is empty"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	art, err := a.core.PutArtifact(ctx, payload, refs)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, art)
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	d, err := digestParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	art, closure, err := a.core.GetArtifact(ctx, d)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ArtifactResponse{Artifact: art, Closure: contentstore.Digests(closure)})
}

// handleArtifactPayload redirects to a presigned URL when the store can sign
// one and streams the payload otherwise.
func (a *API) handleArtifactPayload(w http.ResponseWriter, r *http.Request) {
	d, err := digestParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	art, _, err := a.core.GetArtifact(ctx, d)
	if err != nil {
		respondFailure(w, err)
		return
	}

	url, err := a.core.ArtifactURL(ctx, d, presignURLExpiry)
	switch {
	case err == nil:
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	case !errors.Is(err, errors.ErrUnsupported):
		respondFailure(w, err)
		return
	}

	rc, err := a.core.OpenArtifact(ctx, d)
	if err != nil {
		respondFailure(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(art.Size, 10))
	w.Header().Set("ETag", strconv.Quote(d.String()))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		a.config.Logger.Warn().Err(err).Str("digest", d.Short()).Msg("artifact stream interrupted")
	}
}
