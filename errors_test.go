package flowcore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireShared(t *testing.T) {
	shared := Shared{"count": 3, "name": "x", "empty": nil}

	n, err := RequireShared[int](shared, "count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = RequireShared[int](shared, "missing")
	require.ErrorIs(t, err, ErrMissingShared)
	assert.Contains(t, err.Error(), `"missing" is missing`)

	_, err = RequireShared[string](shared, "empty")
	require.ErrorIs(t, err, ErrMissingShared)

	_, err = RequireShared[int](shared, "name")
	var missing *MissingSharedError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "name", missing.Key)
	assert.Equal(t, "int", missing.Want)
	assert.Equal(t, "x", missing.Got)
}

func TestMisuseErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("outer: %w", &MisuseError{Unit: "Fetch", Entry: "Run", Hint: "use RunAsync"})
	assert.ErrorIs(t, err, ErrMisuse)
	assert.NotErrorIs(t, err, ErrMissingShared)
	assert.Equal(t, "outer: unit Fetch cannot be run with Run: use RunAsync", err.Error())
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("bad request")
	err := fmt.Errorf("call: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "call: bad request", err.Error())
	assert.False(t, IsPermanent(base))
}

func TestActionNormalize(t *testing.T) {
	assert.Equal(t, DefaultAction, Action("").Normalize())
	assert.Equal(t, Action("approve"), Action("approve").Normalize())
	assert.Equal(t, Action("x"), ActionOf("x"))
	assert.Equal(t, ActionSkip, ActionOf(ActionSkip))
	assert.Empty(t, ActionOf(42))
}

func TestParamsClone(t *testing.T) {
	var nilParams Params
	c := nilParams.Clone()
	require.NotNil(t, c)
	c["k"] = 1

	p := Params{"id": 7, "lang": "go"}
	cp := p.Clone()
	cp["id"] = 8
	assert.Equal(t, 7, p.Get("id"))
	s, ok := p.String("lang")
	assert.True(t, ok)
	assert.Equal(t, "go", s)
	_, ok = p.String("id")
	assert.False(t, ok)
}
