package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/routerctl/internal/credential"
	"github.com/loykin/routerctl/internal/doc"
	"github.com/loykin/routerctl/internal/eventlog"
)

const testBase = `
router_settings:
  num_retries: 1
  routing_strategy: simple-shuffle
model_list:
  - model_name: default
    litellm_params:
      model: openai/gpt-4o-mini
      api_key_ref: openai
general_settings:
  master_key: sk-local
`

const testProfiles = `
reliability:
  router_settings:
    num_retries: 3
    cooldown_time: 60
cost:
  model_list:
    - model_name: cheap
      litellm_params:
        model: anthropic/claude-haiku
        api_key_ref: anthropic
latency:
  router_settings:
    routing_strategy: latency-based-routing
empty:
`

func mustParse(t *testing.T, s string) *doc.Mapping {
	t.Helper()
	m, err := doc.Parse([]byte(s))
	require.NoError(t, err)
	return m
}

type fixture struct {
	dir    string
	events *eventlog.Memory
	act    *Activator
}

func newFixture(t *testing.T, dir, activeName string) fixture {
	t.Helper()
	secrets := t.TempDir()
	openai := filepath.Join(secrets, "openai")
	anthropic := filepath.Join(secrets, "anthropic")
	require.NoError(t, os.WriteFile(openai, []byte("sk-openai\n"), 0o600))
	require.NoError(t, os.WriteFile(anthropic, []byte("  sk-ant  "), 0o600))

	ev := &eventlog.Memory{}
	act := New(Options{
		Base:             mustParse(t, testBase),
		Profiles:         mustParse(t, testProfiles),
		Credentials:      map[string]string{"openai": openai, "anthropic": anthropic},
		ActiveConfigPath: filepath.Join(dir, activeName),
		StatePath:        filepath.Join(dir, "state.json"),
		Events:           ev,
	})
	return fixture{dir: dir, events: ev, act: act}
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestActivateReliabilityOverlaysRouterSettings(t *testing.T) {
	f := newFixture(t, t.TempDir(), "active.json")

	res, err := f.act.Activate("reliability")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "active.json"), res.ActiveConfigPath)
	assert.Equal(t, filepath.Join(f.dir, "state.json"), res.StatePath)

	active := readJSON(t, res.ActiveConfigPath)
	rs := active["router_settings"].(map[string]any)
	assert.Equal(t, float64(3), rs["num_retries"])
	assert.Equal(t, float64(60), rs["cooldown_time"])
	// untouched keys come from the base
	assert.Equal(t, "simple-shuffle", rs["routing_strategy"])
	assert.Equal(t, map[string]any{"master_key": "sk-local"}, active["general_settings"])

	models := active["model_list"].([]any)
	params := models[0].(map[string]any)["litellm_params"].(map[string]any)
	assert.Equal(t, "sk-openai", params["api_key"])
	assert.NotContains(t, params, "api_key_ref")

	st, err := ReadState(res.StatePath)
	require.NoError(t, err)
	assert.Equal(t, "reliability", st.CurrentProfile)
	assert.WithinDuration(t, time.Now(), st.UpdatedAt, time.Minute)

	evs := f.events.Filter(eventlog.ProfileActivate)
	require.Len(t, evs, 1)
	assert.Equal(t, eventlog.ResultSuccess, evs[0].Result)
	assert.Equal(t, "reliability", evs[0].Profile)
}

func TestActivateListOverlayReplacesBaseList(t *testing.T) {
	f := newFixture(t, t.TempDir(), "active.yaml")

	_, err := f.act.Activate("cost")
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(f.dir, "active.yaml"))
	require.NoError(t, err)
	got, err := doc.Parse(b)
	require.NoError(t, err)

	ml, ok := got.Lookup("model_list")
	require.True(t, ok)
	list := ml.(*doc.List)
	require.Equal(t, 1, list.Len())
	name, _ := list.Items[0].(*doc.Mapping).Get("model_name")
	assert.Equal(t, "cheap", name.(*doc.Scalar).String())
	key, _ := list.Items[0].(*doc.Mapping).Lookup("litellm_params", "api_key")
	assert.Equal(t, "sk-ant", key.(*doc.Scalar).String())
}

func TestActivateEmptyOverlayYieldsBase(t *testing.T) {
	f := newFixture(t, t.TempDir(), "active.json")

	_, err := f.act.Activate("empty")
	require.NoError(t, err)

	composed, err := f.act.Compose("empty")
	require.NoError(t, err)
	base, err := credential.NewResolver(f.act.opts.Credentials).ResolveModelLists(f.act.opts.Base)
	require.NoError(t, err)
	assert.Equal(t, doc.ToGo(base), doc.ToGo(composed))
}

func TestActivateUnknownProfileWritesNothing(t *testing.T) {
	f := newFixture(t, t.TempDir(), "active.json")

	_, err := f.act.Activate("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProfile))
	assert.NoFileExists(t, filepath.Join(f.dir, "active.json"))
	assert.NoFileExists(t, filepath.Join(f.dir, "state.json"))
}

func TestActivateUnknownCredentialLeavesPreviousFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, "active.json")
	_, err := f.act.Activate("reliability")
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, "active.json"))
	require.NoError(t, err)
	stateBefore, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	f.act.opts.Credentials = map[string]string{"openai": f.act.opts.Credentials["openai"]}
	_, err = f.act.Activate("cost")
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrUnknownReference)

	after, _ := os.ReadFile(filepath.Join(dir, "active.json"))
	stateAfter, _ := os.ReadFile(filepath.Join(dir, "state.json"))
	assert.Equal(t, before, after)
	assert.Equal(t, stateBefore, stateAfter)

	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ents, 2, "no temporary files left behind")

	evs := f.events.Filter(eventlog.ProfileActivate)
	require.Len(t, evs, 2)
	assert.Equal(t, eventlog.ResultFailed, evs[1].Result)
	assert.Equal(t, "anthropic", evs[1].Provider)
}

func TestActivateUnknownCredentialOnFreshDirWritesZeroBytes(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, "active.json")
	f.act.opts.Credentials = nil

	_, err := f.act.Activate("reliability")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "active.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestActivateConcurrentIndependentDirs(t *testing.T) {
	names := []string{"reliability", "cost", "latency"}
	fixtures := make([]fixture, len(names))
	for i := range names {
		fixtures[i] = newFixture(t, t.TempDir(), "active.json")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, n := range names {
		wg.Add(1)
		go func(i int, n string) {
			defer wg.Done()
			_, errs[i] = fixtures[i].act.Activate(n)
		}(i, n)
	}
	wg.Wait()

	for i, n := range names {
		require.NoError(t, errs[i], n)
		st, err := ReadState(filepath.Join(fixtures[i].dir, "state.json"))
		require.NoError(t, err)
		assert.Equal(t, n, st.CurrentProfile)

		want, err := fixtures[i].act.Compose(n)
		require.NoError(t, err)
		got := readJSON(t, filepath.Join(fixtures[i].dir, "active.json"))
		wantJSON, err := json.Marshal(want)
		require.NoError(t, err)
		var wantGo map[string]any
		require.NoError(t, json.Unmarshal(wantJSON, &wantGo))
		assert.Equal(t, wantGo, got, n)
	}
}

func TestActivateConcurrentSharedDir(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, "active.json")
	names := []string{"reliability", "cost", "latency"}

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for _, n := range names {
			wg.Add(1)
			go func(n string) {
				defer wg.Done()
				_, err := f.act.Activate(n)
				assert.NoError(t, err)
			}(n)
		}
		wg.Wait()

		st, err := ReadState(filepath.Join(dir, "state.json"))
		require.NoError(t, err, "round %d", round)
		assert.Contains(t, names, st.CurrentProfile)
		// the active config is one complete document of the same profile
		active := readJSON(t, filepath.Join(dir, "active.json"))
		require.Equal(t, st.CurrentProfile, profileOf(active), "round %d", round)
	}
}

// profileOf identifies which testProfiles overlay produced active.
func profileOf(active map[string]any) string {
	rs, _ := active["router_settings"].(map[string]any)
	if _, ok := rs["cooldown_time"]; ok {
		return "reliability"
	}
	if rs["routing_strategy"] == "latency-based-routing" {
		return "latency"
	}
	if ml, ok := active["model_list"].([]any); ok && len(ml) == 1 {
		if m, _ := ml[0].(map[string]any); m["model_name"] == "cheap" {
			return "cost"
		}
	}
	return "base"
}

func TestProfilesKeepsDocumentOrder(t *testing.T) {
	f := newFixture(t, t.TempDir(), "active.json")
	assert.Equal(t, []string{"reliability", "cost", "latency", "empty"}, f.act.Profiles())
}

func TestOverlayMustBeMapping(t *testing.T) {
	act := New(Options{
		Profiles:         mustParse(t, "bad: [1, 2]\n"),
		ActiveConfigPath: filepath.Join(t.TempDir(), "a.yaml"),
		StatePath:        filepath.Join(t.TempDir(), "s.json"),
	})
	_, err := act.Activate("bad")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownProfile))
}

func TestEndToEndNumRetries(t *testing.T) {
	dir := t.TempDir()
	act := New(Options{
		Base:             mustParse(t, "num_retries: 1\n"),
		Profiles:         mustParse(t, "reliability:\n  num_retries: 3\n  cooldown_time: 60\n"),
		ActiveConfigPath: filepath.Join(dir, "active.json"),
		StatePath:        filepath.Join(dir, "state.json"),
		Now:              func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	_, err := act.Activate("reliability")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"num_retries": float64(3), "cooldown_time": float64(60)}, readJSON(t, filepath.Join(dir, "active.json")))
	st, err := ReadState(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	assert.Equal(t, State{CurrentProfile: "reliability", UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, st)
}

func TestReadStateErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadState(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = ReadState(bad)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("parse state %s", bad))
}
