package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const excludesYAML = `
excludes:
  "*":
    - password
    - secret
  hive_table:
    - secret
    - location
`

func writeExcludes(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// replaceExcludes swaps the file in with a rename, the way editors save
func replaceExcludes(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	writeExcludes(t, tmp, content)
	require.NoError(t, os.Rename(tmp, path))
}

func TestExcludeAttributes_For(t *testing.T) {
	e := NewExcludeAttributes(map[string][]string{
		AllEntityTypes: {"password", "secret"},
		"hive_table":   {"secret", "location", ""},
	})

	assert.Equal(t, []string{"password", "secret", "location"}, e.For("hive_table"))
	assert.Equal(t, []string{"password", "secret"}, e.For("kafka_topic"))
	assert.Equal(t, []string{"password", "secret"}, e.For(AllEntityTypes))
}

func TestExcludeAttributes_NilAndEmpty(t *testing.T) {
	var e *ExcludeAttributes
	assert.NotNil(t, e.For("hive_table"))
	assert.Empty(t, e.For("hive_table"))

	assert.Empty(t, NewExcludeAttributes(nil).For("hive_table"))
}

func TestExcludeAttributes_SetCopiesInput(t *testing.T) {
	in := map[string][]string{"hive_table": {"a"}}
	e := NewExcludeAttributes(in)
	in["hive_table"][0] = "changed"

	assert.Equal(t, []string{"a"}, e.For("hive_table"))
}

func TestExcludeAttributes_Prune(t *testing.T) {
	e := NewExcludeAttributes(map[string][]string{"hive_table": {"password"}})
	attrs := map[string]interface{}{"name": "orders", "password": "hunter2"}

	pruned := e.Prune("hive_table", attrs)
	assert.Equal(t, map[string]interface{}{"name": "orders"}, pruned)
	assert.Contains(t, attrs, "password", "input is not modified")

	assert.Nil(t, e.Prune("hive_table", nil))
}

func TestLoadExcludeAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excludes.yaml")
	writeExcludes(t, path, excludesYAML)

	e, err := LoadExcludeAttributes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"password", "secret", "location"}, e.For("hive_table"))

	_, err = LoadExcludeAttributes(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	writeExcludes(t, path, "excludes: [not, a, map]")
	_, err = LoadExcludeAttributes(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse exclude attributes")
}

func TestWatchExcludeAttributes_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "excludes.yaml")
	writeExcludes(t, path, excludesYAML)

	e, err := LoadExcludeAttributes(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchExcludeAttributes(ctx, path, e, nil) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	replaceExcludes(t, path, "excludes:\n  hive_table: [owner]\n")

	assert.Eventually(t, func() bool {
		got := e.For("hive_table")
		return len(got) == 1 && got[0] == "owner"
	}, 5*time.Second, 20*time.Millisecond)

	// an unparseable write keeps the previous set
	replaceExcludes(t, path, "excludes: [")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []string{"owner"}, e.For("hive_table"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchExcludeAttributes_MissingDirectory(t *testing.T) {
	err := WatchExcludeAttributes(context.Background(), "/does/not/exist/excludes.yaml", NewExcludeAttributes(nil), nil)
	assert.Error(t, err)
}
