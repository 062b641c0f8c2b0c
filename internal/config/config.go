// Package config parses this node's identity and cluster membership: a
// SERVER_ID and a static server_id -> base URL map known identically to
// every node in the cluster.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Membership maps a server id to its HTTP base URL (e.g. "http://node-2:5002").
type Membership map[int]string

// ParseMembership parses a comma-separated "id=baseURL" list, the format
// produced by --peers / CLUSTER_PEERS.
func ParseMembership(s string) (Membership, error) {
	m := make(Membership)
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("malformed peer entry %q, want id=url", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "peer id %q", parts[0])
		}
		m[id] = strings.TrimSpace(parts[1])
	}
	return m, nil
}

// ServerID reads SERVER_ID from the environment; it is required.
func ServerID() (int, error) {
	raw := os.Getenv("SERVER_ID")
	if raw == "" {
		return 0, errors.New("SERVER_ID is not set")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "SERVER_ID %q is not an integer", raw)
	}
	return id, nil
}

// Port is the HTTP listen port for a given server id: 5000+id.
func Port(serverID int) int {
	return 5000 + serverID
}

// Addr formats the listen address for a given server id.
func Addr(serverID int) string {
	return fmt.Sprintf(":%d", Port(serverID))
}
