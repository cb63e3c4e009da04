package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourcesWatcherValidation(t *testing.T) {
	_, err := NewSourcesWatcher(SourcesWatcherConfig{}, func(*SourcesFile) error { return nil })
	require.Error(t, err)

	_, err = NewSourcesWatcher(SourcesWatcherConfig{FilePath: "x.yaml"}, nil)
	require.Error(t, err)
}

func TestSourcesWatcherInitialLoad(t *testing.T) {
	path := writeTempFile(t, validSourcesYAML)

	var mu sync.Mutex
	var loaded []*SourcesFile
	w, err := NewSourcesWatcher(SourcesWatcherConfig{FilePath: path, DebounceMillis: 50},
		func(cfg *SourcesFile) error {
			mu.Lock()
			defer mu.Unlock()
			loaded = append(loaded, cfg)
			return nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop()) }()

	mu.Lock()
	require.Len(t, loaded, 1)
	assert.Equal(t, "docs", loaded[0].KnowledgeBases[0].KBID)
	mu.Unlock()
}

func TestSourcesWatcherReloadOnChange(t *testing.T) {
	path := writeTempFile(t, validSourcesYAML)

	reloads := make(chan *SourcesFile, 4)
	w, err := NewSourcesWatcher(SourcesWatcherConfig{FilePath: path, DebounceMillis: 50},
		func(cfg *SourcesFile) error {
			reloads <- cfg
			return nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop()) }()

	<-reloads // initial load

	updated := validSourcesYAML + `  - kb_id: runbooks
    schema_file: ./schemas/runbooks.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloads:
		require.Len(t, cfg.KnowledgeBases, 2)
		assert.Equal(t, "runbooks", cfg.KnowledgeBases[1].KBID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestSourcesWatcherKeepsPreviousOnInvalid(t *testing.T) {
	path := writeTempFile(t, validSourcesYAML)

	reloads := make(chan *SourcesFile, 4)
	w, err := NewSourcesWatcher(SourcesWatcherConfig{FilePath: path, DebounceMillis: 50},
		func(cfg *SourcesFile) error {
			reloads <- cfg
			return nil
		})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop()) }()

	<-reloads // initial load

	// Invalid version: the callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte(`version: "99"`), 0o644))

	select {
	case cfg := <-reloads:
		t.Fatalf("unexpected reload with invalid config: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
		// watcher kept the previous config
	}
}
