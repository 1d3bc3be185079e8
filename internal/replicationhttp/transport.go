// Package replicationhttp carries the Federated Replicator's
// SyncRequest/SyncResponse protocol over HTTP+JSON using chi, in the
// same style the teacher's circulation/api services expose their HTTP
// surface. A gRPC transport was considered and rejected: it would
// require protobuf code generation this project's build cannot run.
package replicationhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chainledger/internal/replication"
)

// Client implements replication.Transport over HTTP+JSON.
type Client struct {
	HTTP *http.Client
}

func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) Sync(ctx context.Context, peerBaseURL string, req replication.SyncRequest) (replication.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return replication.SyncResponse{}, fmt.Errorf("encode sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, peerBaseURL+"/replication/sync", bytes.NewReader(body))
	if err != nil {
		return replication.SyncResponse{}, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return replication.SyncResponse{}, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return replication.SyncResponse{}, fmt.Errorf("sync request: peer returned %s", resp.Status)
	}
	var out replication.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return replication.SyncResponse{}, fmt.Errorf("decode sync response: %w", err)
	}
	return out, nil
}

// Handler mounts the server side of the protocol on a chi router.
type Handler struct {
	Replicator *replication.Replicator
}

func Mount(r chi.Router, h *Handler) {
	r.Post("/replication/sync", h.handleSync)
}

func (h *Handler) handleSync(w http.ResponseWriter, req *http.Request) {
	var syncReq replication.SyncRequest
	if err := json.NewDecoder(req.Body).Decode(&syncReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := h.Replicator.HandleSyncRequest(req.Context(), syncReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
