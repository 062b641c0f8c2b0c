package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// rpcTimeout bounds every outbound peer RPC.
const rpcTimeout = 1 * time.Second

// HTTPPeer dials one replica's base URL over HTTP, posting JSON to its
// /vote, /heartbeat, and /repl endpoints.
type HTTPPeer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPeer returns a Peer bound to the given base URL (e.g. "http://node-2:5002").
func NewHTTPPeer(baseURL string, client *http.Client) *HTTPPeer {
	return &HTTPPeer{baseURL: baseURL, client: client}
}

func (p *HTTPPeer) Vote(ctx context.Context, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	err := p.doJSON(ctx, "POST", "/vote", req, &resp)
	return resp, err
}

func (p *HTTPPeer) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := p.doJSON(ctx, "POST", "/heartbeat", req, &resp)
	return resp, err
}

func (p *HTTPPeer) Repl(ctx context.Context, req ReplRequest) (ReplResponse, error) {
	var resp ReplResponse
	err := p.doJSON(ctx, "POST", "/repl", req, &resp)
	return resp, err
}

func (p *HTTPPeer) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "encode %s body", path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "build request for %s", path)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "dial peer %s", p.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Errorf("peer %s returned %d", p.baseURL, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// HTTPDialer lazily creates and caches one HTTPPeer per server id, mirroring
// the connection-caching shape of a typical peer-RPC client (see DESIGN.md).
type HTTPDialer struct {
	mu          sync.Mutex
	membership  map[int]string
	client      *http.Client
	connections map[int]Peer
}

// NewHTTPDialer builds a dialer over the given id -> base URL membership map.
func NewHTTPDialer(membership map[int]string) *HTTPDialer {
	return &HTTPDialer{
		membership:  membership,
		client:      &http.Client{Timeout: rpcTimeout},
		connections: make(map[int]Peer),
	}
}

func (d *HTTPDialer) Peer(id int) Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.connections[id]; ok {
		return p
	}

	base, ok := d.membership[id]
	if !ok {
		return errPeer{err: fmt.Errorf("unknown peer %d", id)}
	}

	p := NewHTTPPeer(base, d.client)
	d.connections[id] = p
	return p
}

// errPeer is returned for an id absent from membership; every call fails
// with the same error rather than panicking.
type errPeer struct{ err error }

func (e errPeer) Vote(context.Context, VoteRequest) (VoteResponse, error) { return VoteResponse{}, e.err }
func (e errPeer) Heartbeat(context.Context, HeartbeatRequest) (HeartbeatResponse, error) {
	return HeartbeatResponse{}, e.err
}
func (e errPeer) Repl(context.Context, ReplRequest) (ReplResponse, error) { return ReplResponse{}, e.err }
