package toolcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultScriptTimeout bounds one script tool run.
const DefaultScriptTimeout = 30 * time.Second

// interpreters maps script extensions to the binary that runs them.
// Unlisted extensions run under python3.
var interpreters = map[string]string{
	".py": "python3",
	".sh": "bash",
	".js": "node",
	".rb": "ruby",
}

// interpreterFor picks the interpreter for a script path.
func interpreterFor(path string) string {
	if bin, ok := interpreters[strings.ToLower(filepath.Ext(path))]; ok {
		return bin
	}
	return "python3"
}

// runScript spawns the interpreter on the script, feeds params as JSON
// on stdin and decodes one JSON document from stdout. A non-zero exit
// or unparseable stdout is a failure.
func runScript(ctx context.Context, script string, params map[string]any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input := []byte("{}")
	if params != nil {
		var err error
		if input, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("encode script input: %w", err)
		}
	}

	name := filepath.Base(script)
	cmd := exec.CommandContext(ctx, interpreterFor(script), script)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("script %s: %v: %s", name, err, msg)
		}
		return nil, fmt.Errorf("script %s: %w", name, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, fmt.Errorf("script %s produced no output", name)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("script %s produced invalid JSON: %w", name, err)
	}
	return result, nil
}
