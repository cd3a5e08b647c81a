package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "dispatch"))

	log.Debug("hidden")
	log.Info("published", Int("attempt", 2), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "published", rec["message"])
	assert.Equal(t, "dispatch", rec["comp"])
	assert.Equal(t, float64(2), rec["attempt"])
	assert.Equal(t, "boom", rec["err"])
	assert.NotContains(t, rec, "stack")
	assert.Contains(t, rec["caller"], "logx_test.go:")
}

func TestZeroAndNopAreSafe(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped")
	assert.False(t, zero.Enabled(LevelError))

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.With(String("k", "v")).Warn("dropped")
}

type fakeSender struct{ got chan string }

func (f *fakeSender) SendAlert(_ context.Context, text string) error {
	f.got <- text
	return nil
}

func TestAlertsAtOrAboveMinLevel(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "a.log")},
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()
	snd := &fakeSender{got: make(chan string, 4)}
	svc.SetAlertSender(snd)

	log.Info("routine")
	log.With(String("comp", "verify")).Warn("still processing", String("publication", "p-1"))

	select {
	case text := <-snd.got:
		assert.True(t, strings.HasPrefix(text, "[WARN] still processing"), text)
		assert.Contains(t, text, "\ncomp: verify\npublication: p-1")
	case <-time.After(5 * time.Second):
		t.Fatal("no alert delivered")
	}
	select {
	case text := <-snd.got:
		t.Fatalf("unexpected alert %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplySwitchesLevelForExistingLoggers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crosspost.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	child := log.With(String("comp", "engine"))

	child.Debug("before")
	assert.False(t, child.Enabled(LevelDebug))

	cfg.Level = "debug"
	svc.Apply(cfg)
	assert.True(t, child.Enabled(LevelDebug))
	child.Debug("after")
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "before")
	assert.Contains(t, string(data), `"message":"after"`)
	assert.Contains(t, string(data), `"comp":"engine"`)
}

func TestRenderAlert(t *testing.T) {
	t.Parallel()
	raw := `{"level":"error","time":"t","caller":"x.go:1","message":"publish failed","zeta":1,"account":"a-1","comp":"dispatch","alpha":"x"}`
	assert.Equal(t,
		"[ERROR] publish failed\ncomp: dispatch\naccount: a-1\nalpha: x\nzeta: 1",
		renderAlert([]byte(raw)))

	long := `{"level":"error","message":"m","err":"` + strings.Repeat("x", 1000) + `"}`
	out := renderAlert([]byte(long))
	assert.Contains(t, out, strings.Repeat("x", alertMaxValueLen-3)+"...")
	assert.NotContains(t, out, strings.Repeat("x", alertMaxValueLen))

	assert.Equal(t, "not json", renderAlert([]byte("not json\n")))
}
