package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/owlgrove/raftkv/internal/config"
	"github.com/owlgrove/raftkv/internal/raftnode"
	"github.com/owlgrove/raftkv/internal/rmetrics"
	"github.com/owlgrove/raftkv/internal/transport"
)

// newSingleNodeServer starts a one-member cluster (so it becomes leader on
// its own first election) and returns an httptest.Server fronting it.
func newSingleNodeServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(noopWriter{})

	membership := config.Membership{0: "http://localhost:5000"}
	dialer := transport.NewFakeDialer()
	node := raftnode.New(0, membership, dialer, logger.WithField("node", 0), rmetrics.New("test"))
	dialer.Register(0, node)
	node.Start()
	t.Cleanup(node.Stop)

	srv := New(node, membership, logger.WithField("node", 0))
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	waitForLeader(t, ts)
	return ts
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitForLeader(t *testing.T, ts *httptest.Server) {
	t.Helper()
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/status")
		if err == nil {
			var st statusResponse
			json.NewDecoder(resp.Body).Decode(&st)
			resp.Body.Close()
			if st.State == "leader" {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func postJSON(t *testing.T, url, method string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ts := newSingleNodeServer(t)

	resp := postJSON(t, ts.URL+"/put_data", http.MethodPut, dataRequest{Key: "foo", Value: "bar"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var putResult map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&putResult))
	require.Equal(t, "ok", putResult["status"])

	getResp := postJSON(t, ts.URL+"/get_data", http.MethodGet, dataRequest{Key: "foo"})
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var getResult map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&getResult))
	require.Equal(t, "bar", getResult["value"])
}

func TestDeleteMissingKeyReportsError(t *testing.T) {
	ts := newSingleNodeServer(t)

	resp := postJSON(t, ts.URL+"/delete_data", http.MethodDelete, dataRequest{Key: "ghost"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "error", result["status"])
}

func TestHeadReportsExistence(t *testing.T) {
	ts := newSingleNodeServer(t)

	postJSON(t, ts.URL+"/put_data", http.MethodPut, dataRequest{Key: "k", Value: "v"}).Body.Close()

	resp := postJSON(t, ts.URL+"/head_data", http.MethodHead, dataRequest{Key: "k"})
	defer resp.Body.Close()
	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "exists", result["status"])

	resp2 := postJSON(t, ts.URL+"/head_data", http.MethodHead, dataRequest{Key: "missing"})
	defer resp2.Body.Close()
	var result2 map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result2))
	require.Equal(t, "not found", result2["status"])
}

func TestUpdateCompareAndSwap(t *testing.T) {
	ts := newSingleNodeServer(t)

	postJSON(t, ts.URL+"/put_data", http.MethodPut, dataRequest{Key: "k", Value: "v1"}).Body.Close()

	// A one-member cluster has no peers to ack the proposal, so even a CAS
	// with a matching old value is rolled back and the key removed.
	resp := postJSON(t, ts.URL+"/update_data", http.MethodPatch, dataRequest{Key: "k", Value: "v2", Old: "v1"})
	defer resp.Body.Close()
	var result map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "error", result["status"])
	require.Equal(t, "Not enough servers ack", result["message"])

	badResp := postJSON(t, ts.URL+"/update_data", http.MethodPatch, dataRequest{Key: "k", Value: "v3", Old: "wrong"})
	defer badResp.Body.Close()
	var badResult map[string]string
	require.NoError(t, json.NewDecoder(badResp.Body).Decode(&badResult))
	require.Equal(t, "error", badResult["status"])
}

func TestStatusRoute(t *testing.T) {
	ts := newSingleNodeServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, "leader", st.State)
}

func TestTurnOffAndOnRoutes(t *testing.T) {
	ts := newSingleNodeServer(t)

	resp, err := http.Get(ts.URL + "/turnoff")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/turnon")
	require.NoError(t, err)
	resp.Body.Close()
}
