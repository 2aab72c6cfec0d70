package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigiasec/ingest/internal/connector"
	"github.com/vigiasec/ingest/internal/model"
	"github.com/vigiasec/ingest/internal/monitoring"
)

func newWatcher(t *testing.T, cfg string) (*FileWatch, *connector.Sink) {
	t.Helper()
	sink := connector.NewSink(256)
	rec := &model.ConnectorRecord{
		ID:            21,
		Name:          "fim-host",
		Type:          model.ConnectorFile,
		Configuration: json.RawMessage(cfg),
	}
	f, err := New(rec, sink, monitoring.NewMetricsOn(prometheus.NewRegistry()))
	require.NoError(t, err)
	return f, sink
}

func waitFor(t *testing.T, sink *connector.Sink, match func(model.RawEvent) bool) model.RawEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sink.Events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event not seen before timeout")
			return model.RawEvent{}
		}
	}
}

func assertNone(t *testing.T, sink *connector.Sink, match func(model.RawEvent) bool) {
	t.Helper()
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case ev := <-sink.Events:
			if match(ev) {
				t.Fatalf("unexpected event for %v", ev.RawData["path"])
			}
		case <-deadline:
			return
		}
	}
}

func onPath(path string) func(model.RawEvent) bool {
	return func(ev model.RawEvent) bool { return ev.RawData["path"] == path }
}

func onOp(path, op string) func(model.RawEvent) bool {
	return func(ev model.RawEvent) bool {
		return ev.RawData["path"] == path && ev.RawData["operation"] == op
	}
}

func TestCreateAndContentChange(t *testing.T) {
	dir := t.TempDir()
	f, sink := newWatcher(t, fmt.Sprintf(`{"paths":[%q],"hashContents":true}`, dir))
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	path := filepath.Join(dir, "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	ev := waitFor(t, sink, onPath(path))
	assert.Equal(t, model.EventInfo, ev.Severity)
	assert.NotEmpty(t, ev.RawData["sha256"])

	require.NoError(t, os.WriteFile(path, []byte("v2 different"), 0o644))
	ev = waitFor(t, sink, func(ev model.RawEvent) bool {
		return ev.RawData["path"] == path && ev.RawData["contentChanged"] == true
	})
	assert.Equal(t, "change", ev.RawData["operation"])
}

func TestDeleteUnderCriticalPath(t *testing.T) {
	dir := t.TempDir()
	crit := filepath.Join(dir, "etc")
	require.NoError(t, os.Mkdir(crit, 0o755))
	path := filepath.Join(crit, "passwd")
	require.NoError(t, os.WriteFile(path, []byte("root:x:0:0"), 0o644))

	cfg := fmt.Sprintf(`{"paths":[%q],"recursive":true,"criticalPaths":[%q]}`, dir, crit+string(os.PathSeparator))
	f, sink := newWatcher(t, cfg)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	require.NoError(t, os.Remove(path))
	ev := waitFor(t, sink, onOp(path, "delete"))
	assert.Equal(t, model.EventCritical, ev.Severity)
}

func TestChangeUnderCriticalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin no"), 0o644))

	cfg := fmt.Sprintf(`{"paths":[%q],"criticalPaths":[%q]}`, dir, dir+string(os.PathSeparator))
	f, sink := newWatcher(t, cfg)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	require.NoError(t, os.WriteFile(path, []byte("PermitRootLogin yes"), 0o644))
	ev := waitFor(t, sink, onOp(path, "change"))
	assert.Equal(t, model.EventError, ev.Severity)
}

func TestExecutableDropIsWarning(t *testing.T) {
	dir := t.TempDir()
	f, sink := newWatcher(t, fmt.Sprintf(`{"paths":[%q]}`, dir))
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	path := filepath.Join(dir, "dropper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	ev := waitFor(t, sink, onPath(path))
	assert.Equal(t, model.EventWarn, ev.Severity)
}

func TestHighPriorityPattern(t *testing.T) {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{"paths":[%q],"highPriorityPatterns":["secret"],"criticalPaths":["/nonexistent/"]}`, dir)
	f, sink := newWatcher(t, cfg)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	path := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("k=v"), 0o644))
	ev := waitFor(t, sink, onPath(path))
	assert.Equal(t, model.EventWarn, ev.Severity)

	require.NoError(t, os.Remove(path))
	ev = waitFor(t, sink, onOp(path, "delete"))
	assert.Equal(t, model.EventError, ev.Severity)
}

func TestIncludeExcludePatterns(t *testing.T) {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`{"paths":[%q],"includePatterns":["*.log"],"excludePatterns":["tmp*"]}`, dir)
	f, sink := newWatcher(t, cfg)
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	ignored := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(ignored, []byte("x"), 0o644))
	excluded := filepath.Join(dir, "tmp.log")
	require.NoError(t, os.WriteFile(excluded, []byte("x"), 0o644))
	wanted := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(wanted, []byte("x"), 0o644))

	ev := waitFor(t, sink, onPath(wanted))
	assert.Equal(t, "create", ev.RawData["operation"])
	assertNone(t, sink, onPath(ignored))
	assertNone(t, sink, onPath(excluded))
}

func TestRecursiveNewDirectoryJoinsWatch(t *testing.T) {
	dir := t.TempDir()
	f, sink := newWatcher(t, fmt.Sprintf(`{"paths":[%q],"recursive":true}`, dir))
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the loop a beat to add the new directory to the watch.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "deep.log")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	ev := waitFor(t, sink, onPath(path))
	assert.Equal(t, "create", ev.RawData["operation"])
}

func TestStopReleasesWatcher(t *testing.T) {
	dir := t.TempDir()
	f, _ := newWatcher(t, fmt.Sprintf(`{"paths":[%q]}`, dir))
	require.NoError(t, f.Start(context.Background()))
	require.Error(t, f.Start(context.Background()), "double start must fail")

	require.NoError(t, f.Stop())
	assert.Equal(t, model.StatusDisabled, f.Status())
	assert.False(t, f.HealthCheck(context.Background()).Healthy)

	// A stopped watcher can start again.
	require.NoError(t, f.Start(context.Background()))
	require.NoError(t, f.Stop())
}

func TestUpdateConfig(t *testing.T) {
	dir := t.TempDir()
	f, _ := newWatcher(t, fmt.Sprintf(`{"paths":[%q]}`, dir))
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	require.NoError(t, f.UpdateConfig(map[string]any{"highPriorityPatterns": []string{"cred"}}))
	assert.True(t, f.highPriority("/var/creds/cred.db"))

	err := f.UpdateConfig(map[string]any{"paths": []string{"/elsewhere"}})
	require.Error(t, err, "path changes need a restart")

	err = f.UpdateConfig(map[string]any{"highPriorityPatterns": []string{"("}})
	require.Error(t, err, "bad regex must be rejected")
}

func TestParseConfig(t *testing.T) {
	log := zerolog.Nop()

	_, err := ParseConfig([]byte(`{}`), false, log)
	assert.Error(t, err, "paths are required")

	_, err = ParseConfig([]byte(`{"paths":["/tmp"],"highPriorityPatterns":["("]}`), false, log)
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`{"paths":["/tmp"],"includePatterns":["[bad"]}`), false, log)
	assert.Error(t, err)

	cfg, err := ParseConfig([]byte(`{"paths":["/tmp"]}`), false, log)
	require.NoError(t, err)
	assert.Equal(t, defaultCriticalPaths, cfg.CriticalPaths)
}

func TestTestConnection(t *testing.T) {
	dir := t.TempDir()
	f, _ := newWatcher(t, fmt.Sprintf(`{"paths":[%q]}`, dir))
	res := f.TestConnection(context.Background())
	assert.True(t, res.Success)

	g, _ := newWatcher(t, `{"paths":["/does/not/exist"]}`)
	res = g.TestConnection(context.Background())
	assert.False(t, res.Success)
}
