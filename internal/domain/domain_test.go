package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategyVariants(t *testing.T) {
	s, err := StrategySpec{Type: "remote-module", RemoteURL: "http://x/remoteEntry.js", Scope: "tasks", Module: "./App"}.Strategy()
	require.NoError(t, err)
	assert.Equal(t, RemoteModule{RemoteURL: "http://x/remoteEntry.js", Scope: "tasks", Module: "./App"}, s)

	s, err = StrategySpec{Type: "iframe"}.Strategy()
	require.NoError(t, err)
	assert.Equal(t, KindIframe, s.Kind())

	s, err = StrategySpec{Type: "web-component", TagName: "task-list"}.Strategy()
	require.NoError(t, err)
	assert.Equal(t, WebComponent{TagName: "task-list"}, s)
}

func TestRemoteModuleMissingFieldsRejected(t *testing.T) {
	_, err := StrategySpec{Type: "remote-module", RemoteURL: "http://x/remoteEntry.js"}.Strategy()
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reason, "scope")
	assert.Contains(t, ve.Reason, "module")

	_, err = NewApp("Tasks", "http://x", RemoteModule{Scope: "tasks", Module: "./App"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remoteUrl")
}

func TestUnsupportedStrategy(t *testing.T) {
	_, err := StrategySpec{Type: "applet"}.Strategy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported integration strategy")
}

func TestWebComponentTagMustBeCustomElementName(t *testing.T) {
	for _, tag := range []string{"tasks", "Task-List", "1-list", "font-face", "x-a><script>alert(1)</script", `x-a onclick="x"`} {
		_, err := StrategySpec{Type: "web-component", TagName: tag}.Strategy()
		var ve ValidationError
		assert.ErrorAs(t, err, &ve, tag)
	}
	for _, tag := range []string{"task-list", "x-clock", "my.app-v2", "a-"} {
		_, err := StrategySpec{Type: "web-component", TagName: tag}.Strategy()
		assert.NoError(t, err, tag)
	}
}

func TestNewAppRequiresNameAndURL(t *testing.T) {
	_, err := NewApp("", "http://x", Iframe{})
	assert.EqualError(t, err, "name is required")
	_, err = NewApp("Tasks", " ", Iframe{})
	assert.EqualError(t, err, "url is required")
	a, err := NewApp(" Tasks ", "http://x", Iframe{})
	require.NoError(t, err)
	assert.Equal(t, "Tasks", a.Name)
	assert.True(t, a.IsActive)
}

func TestAppJSONCarriesTaggedStrategy(t *testing.T) {
	a := App{ID: "1", Name: "Tasks", URL: "http://x", IsActive: true, Strategy: WebComponent{TagName: "task-list", ScriptURL: "http://x/wc.js"}}
	data, err := json.Marshal(a)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	strat := raw["integrationStrategy"].(map[string]any)
	assert.Equal(t, "web-component", strat["type"])
	assert.Equal(t, "task-list", strat["tagName"])

	var back App
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a.Strategy, back.Strategy)
}
