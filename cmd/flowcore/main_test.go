package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowcore/kv"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// execute runs the root command and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const greetGraph = `
node greet = set greeting "hello {{name}}"
node shout = llm "Shout" input=greeting output=reply
connect greet -> shout
`

func TestRunGraph(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.flow", greetGraph)

	out, err := execute(t, "run", path, "--set", "name=ada", "--output", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello ada\n", out)

	out, err = execute(t, "run", path, "--set", "name=bob")
	require.NoError(t, err)
	var shared map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shared))
	assert.Equal(t, "mock response for hello bob", shared["reply"])
}

func TestRunScript(t *testing.T) {
	path := writeFile(t, t.TempDir(), "steps.txt", `
set who world
set msg "hi {{who}}"
require msg
`)
	out, err := execute(t, "run", "--script", path, "--output", "msg")
	require.NoError(t, err)
	assert.Equal(t, "hi world\n", out)
}

func TestRunMarkdown(t *testing.T) {
	path := writeFile(t, t.TempDir(), "doc.txt", `set doc "hello world"`)
	out, err := execute(t, "run", "--script", path, "--output", "doc", "--markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "hello world")
}

func TestRunFlagErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.flow", greetGraph)

	_, err := execute(t, "run", path, "--set", "novalue")
	assert.ErrorContains(t, err, "expected key=value")

	_, err = execute(t, "run", path, "--markdown")
	assert.ErrorContains(t, err, "--markdown needs --output")

	_, err = execute(t, "run", path, "--run-id", "a", "--resume", "a")
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = execute(t, "run", path, "--set", "name=x", "--output", "missing")
	assert.ErrorContains(t, err, `output key "missing"`)

	_, err = execute(t, "run", filepath.Join(t.TempDir(), "nope.flow"))
	assert.Error(t, err)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "kv.json")
	cfg := writeFile(t, dir, "flowcore.yaml", "store:\n  driver: file\n  path: "+storePath+"\n")
	flow := writeFile(t, dir, "resume.flow", `
node prepare = set stage prepared
node load = kv_read token
connect prepare -> load
`)

	_, err := execute(t, "--config", cfg, "run", flow, "--run-id", "r1")
	require.Error(t, err)

	store, err := kv.OpenFile(storePath)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "token", []byte("abc")))
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfg, "run", flow, "--resume", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"prepared","token":"abc"}`, out)

	_, err = execute(t, "--config", cfg, "run", flow, "--resume", "r1")
	assert.ErrorContains(t, err, "already completed")
}

func TestGraphCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "greet.flow", greetGraph)

	out, err := execute(t, "graph", path)
	require.NoError(t, err)
	assert.Equal(t, "start: greet\ngreet --default--> shout\n", out)

	out, err = execute(t, "graph", path, "--format", "mermaid")
	require.NoError(t, err)
	assert.Equal(t, "graph TD\n    greet -->|default| shout\n", out)

	out, err = execute(t, "graph", path, "-f", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"greet","edges":[{"from":"greet","action":"default","to":"shout"}]}`, out)

	_, err = execute(t, "graph", path, "-f", "dot")
	assert.Error(t, err)
}

func TestNodesCommand(t *testing.T) {
	out, err := execute(t, "nodes", "--examples")
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "llm_router")
	assert.Contains(t, out, "parallel_function")
	assert.Contains(t, out, "node greet = set message")
}

func TestParseSets(t *testing.T) {
	shared, err := parseSets([]string{"n=3", "s=hello", `obj={"a":true}`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, float64(3), shared["n"])
	assert.Equal(t, "hello", shared["s"])
	assert.Equal(t, map[string]any{"a": true}, shared["obj"])
	assert.Equal(t, "", shared["empty"])
}
