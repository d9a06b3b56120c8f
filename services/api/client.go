package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetd/pkg/digest"
	"fleetd/pkg/fleet"
	"fleetd/services/activation"
	"fleetd/services/contentstore"
	"fleetd/services/history"
	"fleetd/services/registry"
	"fleetd/services/transfer"
)

// ResponseError is a non-2xx reply. It unwraps to the classified fleet error
// so errors.Is works against the fleet sentinels.
type ResponseError struct {
	StatusCode int
	Reason     fleet.Reason
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (http %d)", e.Message, e.StatusCode)
}

func (e *ResponseError) Unwrap() error {
	if e.Reason == fleet.ReasonNone {
		return nil
	}
	return &fleet.Error{Reason: e.Reason, Detail: e.Message}
}

// Client talks to the fleetd HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{base: baseURL, http: hc}, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	var out []registry.Agent
	return out, c.do(ctx, http.MethodGet, "/v1/agents", nil, &out)
}

func (c *Client) GetAgent(ctx context.Context, id uuid.UUID) (registry.Agent, error) {
	var out registry.Agent
	return out, c.do(ctx, http.MethodGet, "/v1/agents/"+id.String(), nil, &out)
}

func (c *Client) TransferHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]history.TransferEntry, error) {
	var out []history.TransferEntry
	path := "/v1/agents/" + agentID.String() + "/transfers?limit=" + strconv.Itoa(limit)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) ActivationHistory(ctx context.Context, agentID uuid.UUID, limit int) ([]history.ActivationEntry, error) {
	var out []history.ActivationEntry
	path := "/v1/agents/" + agentID.String() + "/activations?limit=" + strconv.Itoa(limit)
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) RequestTransfer(ctx context.Context, agentID uuid.UUID, root digest.Digest, activate bool) (transfer.Snapshot, error) {
	var out transfer.Snapshot
	body := TransferRequest{Root: root.String(), Activate: activate}
	return out, c.do(ctx, http.MethodPost, "/v1/agents/"+agentID.String()+"/transfers", body, &out)
}

func (c *Client) GetTransfer(ctx context.Context, id uuid.UUID) (transfer.Snapshot, error) {
	var out transfer.Snapshot
	return out, c.do(ctx, http.MethodGet, "/v1/transfers/"+id.String(), nil, &out)
}

func (c *Client) ResumeTransfer(ctx context.Context, id uuid.UUID) (transfer.Snapshot, error) {
	var out transfer.Snapshot
	return out, c.do(ctx, http.MethodPost, "/v1/transfers/"+id.String()+"/resume", nil, &out)
}

func (c *Client) CancelTransfer(ctx context.Context, id uuid.UUID) (transfer.Snapshot, error) {
	var out transfer.Snapshot
	return out, c.do(ctx, http.MethodPost, "/v1/transfers/"+id.String()+"/cancel", nil, &out)
}

// RequestActivation starts an activation. A positive wait asks the server to
// hold the reply until the request resolves or wait elapses.
func (c *Client) RequestActivation(ctx context.Context, agentID uuid.UUID, target digest.Digest, wait time.Duration) (activation.Snapshot, error) {
	var out activation.Snapshot
	path := "/v1/agents/" + agentID.String() + "/activations" + waitQuery(wait)
	return out, c.do(ctx, http.MethodPost, path, ActivationRequest{Target: target.String()}, &out)
}

func (c *Client) GetActivation(ctx context.Context, id uuid.UUID, wait time.Duration) (activation.Snapshot, error) {
	var out activation.Snapshot
	return out, c.do(ctx, http.MethodGet, "/v1/activations/"+id.String()+waitQuery(wait), nil, &out)
}

// PutArtifact uploads payload with its direct references.
func (c *Client) PutArtifact(ctx context.Context, payload io.Reader, refs []digest.Digest) (contentstore.Artifact, error) {
	q := url.Values{}
	for _, d := range refs {
		q.Add("ref", d.String())
	}
	path := "/v1/artifacts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, payload)
	if err != nil {
		return contentstore.Artifact{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out contentstore.Artifact
	return out, c.send(req, &out)
}

func (c *Client) GetArtifact(ctx context.Context, d digest.Digest) (ArtifactResponse, error) {
	var out ArtifactResponse
	return out, c.do(ctx, http.MethodGet, "/v1/artifacts/"+d.String(), nil, &out)
}

// DownloadArtifact copies the payload of d into w, following a presigned
// redirect when the server issues one.
func (c *Client) DownloadArtifact(ctx context.Context, d digest.Digest, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/artifacts/"+d.String()+"/payload", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, decodeError(resp)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return &ResponseError{StatusCode: resp.StatusCode, Reason: body.Reason, Message: body.Error}
}

func waitQuery(wait time.Duration) string {
	if wait <= 0 {
		return ""
	}
	return "?wait=" + url.QueryEscape(wait.String())
}
