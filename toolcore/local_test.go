package toolcore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSearchShapesResults(t *testing.T) {
	t.Parallel()

	out, err := webSearch(context.Background(), map[string]any{"query": "go routines", "max_results": 2})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "go routines", out["query"])

	results, ok := out["results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "Result 1 for go routines", results[0]["title"])
	assert.Contains(t, results[0]["url"], "q=go+routines")

	// Count clamps to the 1..5 range and defaults to 3.
	out, err = webSearch(context.Background(), map[string]any{"query": "x", "max_results": 99})
	require.NoError(t, err)
	assert.Len(t, out["results"], 5)
	out, err = webSearch(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Len(t, out["results"], 3)

	_, err = webSearch(context.Background(), nil)
	assert.ErrorContains(t, err, "query is required")
}

func TestWebScrapeEchoesURL(t *testing.T) {
	t.Parallel()

	out, err := webScrape(context.Background(), map[string]any{"url": "https://example.com/a"})
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "https://example.com/a", out["url"])
	assert.Contains(t, out["content"], "https://example.com/a")

	_, err = webScrape(context.Background(), nil)
	assert.ErrorContains(t, err, "url is required")
}

func TestFileRWRoundTrip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rw := fileRW(root)

	out, err := rw(context.Background(), map[string]any{
		"mode": "write", "path": "notes/today.txt", "content": "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "write", out["mode"])
	assert.Equal(t, 5, out["bytes_written"])

	out, err = rw(context.Background(), map[string]any{"mode": "read", "path": "notes/today.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])

	_, err = rw(context.Background(), map[string]any{"mode": "append", "path": "x"})
	assert.ErrorContains(t, err, "mode must be")

	_, err = rw(context.Background(), map[string]any{"mode": "read", "path": "missing.txt"})
	assert.Error(t, err)
}

func TestFileToolsRejectEscapes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	rw := fileRW(root)

	_, err := rw(context.Background(), map[string]any{"mode": "read", "path": "../secret"})
	assert.ErrorContains(t, err, "path traversal")

	_, err = rw(context.Background(), map[string]any{"mode": "write", "path": "a/../../b", "content": "x"})
	assert.ErrorContains(t, err, "path traversal")

	_, err = rw(context.Background(), map[string]any{"mode": "read", "path": "/etc/passwd"})
	assert.ErrorContains(t, err, "absolute paths")

	ret := localFileRetriever(root)
	_, err = ret(context.Background(), map[string]any{"path": "../"})
	assert.ErrorContains(t, err, "path traversal")
}

func TestLocalFileRetrieverListsAndReads(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644))

	ret := localFileRetriever(root)

	out, err := ret(context.Background(), nil)
	require.NoError(t, err)
	files, ok := out["files"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a.txt", "sub/"}, files)

	out, err = ret(context.Background(), map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", out["content"])

	_, err = ret(context.Background(), map[string]any{"path": "ghost"})
	assert.Error(t, err)
}

func TestSecurePath(t *testing.T) {
	t.Parallel()

	got, err := securePath("/ws", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "a/b.txt"), got)

	got, err = securePath("/ws", "")
	require.NoError(t, err)
	assert.Equal(t, "/ws", got)

	_, err = securePath("/ws", "/abs")
	assert.Error(t, err)
	_, err = securePath("/ws", "ok/../../nope")
	assert.Error(t, err)
}
