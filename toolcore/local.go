package toolcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Built-in local tool names.
const (
	ToolWebSearch          = "web_search"
	ToolWebScrape          = "web_scrape"
	ToolFileRW             = "file_rw"
	ToolLocalFileRetriever = "local_file_retriever"
)

// SandboxToolName is the reserved name of the remote python sandbox.
const SandboxToolName = "python_sandbox"

type (
	// LocalFunc is a built-in tool: in-process and fast. The result
	// document always carries a "status" field of success or error.
	LocalFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

	// LocalTool couples a built-in function with its parameter schema.
	LocalTool struct {
		Run         LocalFunc
		Schema      map[string]any
		Description string
	}
)

// BuiltinTools returns the local tool table. The file tools are boxed
// under root; requests escaping it are rejected.
func BuiltinTools(root string) map[string]LocalTool {
	return map[string]LocalTool{
		ToolWebSearch: {
			Run:         webSearch,
			Description: "Search the web for a query (deterministic mock).",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "minLength": 1},
					"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
				},
				"required": []any{"query"},
			},
		},
		ToolWebScrape: {
			Run:         webScrape,
			Description: "Fetch the content of a web page (deterministic mock).",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "minLength": 1},
				},
				"required": []any{"url"},
			},
		},
		ToolFileRW: {
			Run:         fileRW(root),
			Description: "Read or write a file under the tool workspace.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode":    map[string]any{"type": "string", "enum": []any{"read", "write"}},
					"path":    map[string]any{"type": "string", "minLength": 1},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"mode", "path"},
			},
		},
		ToolLocalFileRetriever: {
			Run:         localFileRetriever(root),
			Description: "List or read files under the tool workspace.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
			},
		},
	}
}

func webSearch(_ context.Context, params map[string]any) (map[string]any, error) {
	query := stringParam(params, "query")
	if query == "" {
		return nil, errors.New("query is required")
	}
	n := intParam(params, "max_results", 3)
	if n < 1 {
		n = 1
	} else if n > 5 {
		n = 5
	}
	results := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		results = append(results, map[string]any{
			"title": fmt.Sprintf("Result %d for %s", i, query),
			"url":   fmt.Sprintf("https://search.example.com/%d?q=%s", i, url.QueryEscape(query)),
		})
	}
	return map[string]any{
		"status":  "success",
		"query":   query,
		"results": results,
	}, nil
}

func webScrape(_ context.Context, params map[string]any) (map[string]any, error) {
	u := stringParam(params, "url")
	if u == "" {
		return nil, errors.New("url is required")
	}
	return map[string]any{
		"status":  "success",
		"url":     u,
		"title":   "Mock page for " + u,
		"content": fmt.Sprintf("Mock scraped content from %s", u),
	}, nil
}

func fileRW(root string) LocalFunc {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		path := stringParam(params, "path")
		if path == "" {
			return nil, errors.New("path is required")
		}
		abs, err := securePath(root, path)
		if err != nil {
			return nil, err
		}
		switch mode := stringParam(params, "mode"); mode {
		case "read":
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			return map[string]any{
				"status":  "success",
				"mode":    "read",
				"path":    path,
				"content": string(data),
			}, nil
		case "write":
			content := stringParam(params, "content")
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			return map[string]any{
				"status":        "success",
				"mode":          "write",
				"path":          path,
				"bytes_written": len(content),
			}, nil
		default:
			return nil, fmt.Errorf("mode must be %q or %q, got %q", "read", "write", mode)
		}
	}
}

func localFileRetriever(root string) LocalFunc {
	return func(_ context.Context, params map[string]any) (map[string]any, error) {
		path := stringParam(params, "path")
		abs, err := securePath(root, path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", path, err)
			}
			files := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				files = append(files, name)
			}
			return map[string]any{
				"status": "success",
				"path":   path,
				"files":  files,
			}, nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return map[string]any{
			"status":  "success",
			"path":    path,
			"content": string(data),
		}, nil
	}
}

// securePath resolves rel under root. Absolute paths and any ".."
// segment are rejected before the join so the check cannot be bypassed
// through normalization.
func securePath(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path traversal rejected: %s", rel)
		}
	}
	return filepath.Join(root, rel), nil
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func stringSlice(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
