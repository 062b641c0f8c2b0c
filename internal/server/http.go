// Package server exposes a Node over HTTP: the diagnostic and fault-gate
// routes, the three peer RPCs, and the six client data routes, forwarding
// to the leader when this node cannot answer a write or a stale read
// itself.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/owlgrove/raftkv/internal/config"
	"github.com/owlgrove/raftkv/internal/raftnode"
	"github.com/owlgrove/raftkv/internal/transport"
)

// Server wires a Node to a net/http.ServeMux.
type Server struct {
	node       *raftnode.Node
	membership config.Membership
	client     *http.Client
	logger     *logrus.Entry
}

// New builds a Server for node, forwarding client requests it can't itself
// answer to the base URLs in membership.
func New(node *raftnode.Node, membership config.Membership, logger *logrus.Entry) *Server {
	return &Server{
		node:       node,
		membership: membership,
		client:     &http.Client{Timeout: 1 * time.Second},
		logger:     logger,
	}
}

// Mux builds the route table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/turnon", s.handleTurnOn)
	mux.HandleFunc("/turnoff", s.handleTurnOff)

	mux.HandleFunc("/vote", s.handleVote)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/repl", s.handleRepl)

	mux.HandleFunc("/get_data", s.handleGet)
	mux.HandleFunc("/put_data", s.handleWrite)
	mux.HandleFunc("/post_data", s.handleWrite)
	mux.HandleFunc("/delete_data", s.handleDelete)
	mux.HandleFunc("/head_data", s.handleHead)
	mux.HandleFunc("/update_data", s.handleUpdate)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type statusResponse struct {
	State    string             `json:"state"`
	LeaderID int                `json:"leader_id"`
	Term     int                `json:"term"`
	Metrics  map[string]float64 `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		State:    st.Role.String(),
		LeaderID: st.LeaderID,
		Term:     st.Term,
		Metrics:  s.node.MetricsSnapshot(),
	})
}

func (s *Server) handleTurnOn(w http.ResponseWriter, r *http.Request) {
	s.node.TurnOn()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurnOff(w http.ResponseWriter, r *http.Request) {
	s.node.TurnOff()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req transport.VoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := s.node.HandleVote(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req transport.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := s.node.HandleHeartbeat(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRepl(w http.ResponseWriter, r *http.Request) {
	var req transport.ReplRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := s.node.HandleRepl(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

type dataRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Old   string `json:"old,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "malformed request body"})
		return false
	}
	return true
}

// handleGet serves the freshness-routed read: either this replica's value,
// a 302 naming a peer known to have applied the key's latest write, or a
// forward to the leader.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st := s.node.Status()
	if st.Role != s.leaderRole() {
		s.forward(w, r, st.LeaderID, req)
		return
	}

	value, found, redirectTo, shouldRedirect := s.node.Read(req.Key)
	if shouldRedirect {
		writeJSON(w, http.StatusFound, map[string]int{"id": redirectTo})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"key": req.Key, "value": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key": req.Key, "value": *value})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st := s.node.Status()
	if st.Role != s.leaderRole() {
		s.forward(w, r, st.LeaderID, req)
		return
	}

	opID := uuid.New().String()
	if err := s.node.Put(r.Context(), opID, req.Key, req.Value); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st := s.node.Status()
	if st.Role != s.leaderRole() {
		s.forward(w, r, st.LeaderID, req)
		return
	}

	opID := uuid.New().String()
	if err := s.node.Delete(r.Context(), opID, req.Key); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st := s.node.Status()
	if st.Role != s.leaderRole() {
		s.forward(w, r, st.LeaderID, req)
		return
	}

	if s.node.Head(req.Key) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "exists"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "not found"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	st := s.node.Status()
	if st.Role != s.leaderRole() {
		s.forward(w, r, st.LeaderID, req)
		return
	}

	opID := uuid.New().String()
	if err := s.node.CompareAndSwap(r.Context(), opID, req.Key, req.Value, req.Old); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// leaderRole exists only so the handlers above read naturally as "am I the
// leader".
func (s *Server) leaderRole() raftnode.Role { return raftnode.Leader }

// forward re-encodes req and relays it to leaderID's base URL, preserving
// whatever status code the leader returns (including a 302 it could not
// resolve itself). req is the body this handler already decoded, since
// r.Body has already been consumed by the time a handler learns it isn't
// the leader.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, leaderID int, req dataRequest) {
	base, ok := s.membership[leaderID]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "no known leader"})
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "forward failed"})
		return
	}

	url := fmt.Sprintf("%s%s", base, r.URL.Path)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "forward failed"})
		return
	}
	outReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(outReq)
	if err != nil {
		s.logger.WithError(err).WithField("leader_id", leaderID).Warn("forward to leader failed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "Not leader, forward failed"})
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
