package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcore/config"
	"flowcore/dsl"
)

func newTestServer(t *testing.T, graph string) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Metrics.Enabled = true

	a, err := newApp(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	flow, err := dsl.ParseGraph(graph, a.dslOptions("api"))
	require.NoError(t, err)

	s := newServer(context.Background(), a, flow)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		s.wait()
	})
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postRun(t *testing.T, url, body string) (int, runJSON) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var run runJSON
	if resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	}
	return resp.StatusCode, run
}

const apiGraph = `
node greet = set greeting "hello {{name}}"
node done = set finished yes
connect greet -> done
`

func TestServerRunWait(t *testing.T) {
	ts := newTestServer(t, apiGraph)

	status, run := postRun(t, ts.URL+"/api/run?wait=true", `{"name":"ada"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, statusCompleted, run.Status)
	assert.Equal(t, "hello ada", run.Shared["greeting"])
	assert.Equal(t, "yes", run.Shared["finished"])
	assert.NotNil(t, run.Finished)

	var events []eventJSON
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs/"+run.RunID+"/events", &events))
	var started []string
	for _, ev := range events {
		if ev.Type == "node_start" {
			started = append(started, ev.Node)
		}
	}
	assert.Equal(t, []string{"greet", "done"}, started)

	var listed struct{ Runs []string }
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs", &listed))
	assert.Contains(t, listed.Runs, run.RunID)
}

func TestServerRunInBackground(t *testing.T) {
	ts := newTestServer(t, apiGraph)

	status, run := postRun(t, ts.URL+"/api/run", `{"name":"bob"}`)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, run.RunID)

	assert.Eventually(t, func() bool {
		var got runJSON
		getJSON(t, ts.URL+"/api/runs/"+run.RunID, &got)
		return got.Status == statusCompleted && got.Shared["greeting"] == "hello bob"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRunFailure(t *testing.T) {
	ts := newTestServer(t, `node load = kv_read missing_key`)

	status, run := postRun(t, ts.URL+"/api/run?wait=true", ``)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, statusFailed, run.Status)
	assert.Contains(t, run.Error, "missing_key")
}

func TestServerRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, apiGraph)

	status, _ := postRun(t, ts.URL+"/api/run", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/runs/nope/events", nil))
}

func TestServerGraphNodesMetrics(t *testing.T) {
	ts := newTestServer(t, apiGraph)

	var graph struct {
		Name  string
		Start string
		Edges []edgeJSON
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/graph", &graph))
	assert.Equal(t, "api", graph.Name)
	assert.Equal(t, "greet", graph.Start)
	assert.Equal(t, []edgeJSON{{From: "greet", Action: "default", To: "done"}}, graph.Edges)

	var defs []map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/nodes", &defs))
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d["id"])
	}
	assert.Contains(t, ids, "llm")
	assert.Contains(t, ids, "set")

	postRun(t, ts.URL+"/api/run?wait=true", `{}`)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `flowcore_node_executions_total{node="greet",status="ok"} 1`)
}
