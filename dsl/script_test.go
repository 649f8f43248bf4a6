package dsl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"flowcore"
	"flowcore/flows"
)

func TestBuildFlowFromScript(t *testing.T) {
	script := `
		# script that drives a simple flow
		set greeting Hello
		set message "Message is {{greeting}}"
		log "{{message}} has been composed"
		delay 1ms
		require greeting message
		signal done
	`
	core, logs := observer.New(zapcore.InfoLevel)

	flow, err := BuildFlowFromScript(script, Options{Logger: zap.New(core), Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", flow.Name())

	shared := flowcore.Shared{}
	_, err = flows.RunAsync(context.Background(), flow, shared)
	require.NoError(t, err)
	assert.Equal(t, "Message is Hello", shared["message"])
	assert.Equal(t, "done", shared["signal"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Message is Hello has been composed", logs.All()[0].Message)
}

func TestScriptRequireFailsOnMissingKey(t *testing.T) {
	flow, err := BuildFlowFromScript("set a 1\nrequire a b", Options{})
	require.NoError(t, err)

	_, err = flows.RunAsync(context.Background(), flow, flowcore.Shared{})
	require.ErrorIs(t, err, flowcore.ErrMissingShared)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestBuildFlowFromScriptErrors(t *testing.T) {
	for name, script := range map[string]string{
		"empty":       "   \n# nothing here\n",
		"unknown":     "jump somewhere",
		"set no key":  "set",
		"bad delay":   "delay soon",
		"bare delay":  "delay",
		"bad quote":   `log "unterminated`,
		"require nil": "require",
	} {
		_, err := BuildFlowFromScript(script, Options{})
		assert.Error(t, err, name)
	}
}

func TestRenderTemplate(t *testing.T) {
	shared := flowcore.Shared{"name": "go", "n": 3}
	assert.Equal(t, "go has 3", renderTemplate("{{name}} has {{ n }}", shared))
	assert.Equal(t, "{{missing}} stays", renderTemplate("{{missing}} stays", shared))
	assert.Equal(t, "open {{ brace", renderTemplate("open {{ brace", shared))
}

func TestTokenizeLine(t *testing.T) {
	tokens, err := tokenizeLine(`node a = llm "Summarize this" input=doc prompt="a b" empty=""`)
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "a", "=", "llm", "Summarize this", "input=doc", "prompt=a b", "empty="}, tokens)

	_, err = tokenizeLine(`broken "quote`)
	assert.Error(t, err)
	_, err = tokenizeLine(`trailing \`)
	assert.Error(t, err)
}
