package toolcore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// outputUnit mirrors the JSON Schema "basic" output format. Error is
// kept raw: the draft allows both string and object renderings.
type outputUnit struct {
	Valid            bool            `json:"valid"`
	InstanceLocation string          `json:"instanceLocation"`
	Error            json.RawMessage `json:"error,omitempty"`
	Errors           []outputUnit    `json:"errors,omitempty"`
}

// validateAgainst checks params against sch and returns violations
// keyed by instance location. A nil or empty map means the parameters
// are valid; a nil schema accepts anything.
func validateAgainst(sch *jsonschema.Schema, params map[string]any) map[string][]string {
	if sch == nil {
		return nil
	}
	var instance any = map[string]any{}
	if params != nil {
		instance = params
	}
	err := sch.Validate(instance)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return map[string][]string{"/": {err.Error()}}
	}
	out := map[string][]string{}
	if raw, merr := json.Marshal(verr.BasicOutput()); merr == nil {
		var root outputUnit
		if json.Unmarshal(raw, &root) == nil {
			collectViolations(&root, out)
		}
	}
	if len(out) == 0 {
		out["/"] = []string{verr.Error()}
	}
	return out
}

// collectViolations walks the output tree gathering leaf errors.
func collectViolations(u *outputUnit, out map[string][]string) {
	if len(u.Error) > 0 && len(u.Errors) == 0 {
		loc := u.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out[loc] = append(out[loc], errText(u.Error))
	}
	for i := range u.Errors {
		collectViolations(&u.Errors[i], out)
	}
}

func errText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// formatViolations renders a violation map as a single line suitable
// for a failure message.
func formatViolations(violations map[string][]string) string {
	if len(violations) == 0 {
		return ""
	}
	paths := make([]string, 0, len(violations))
	for p := range violations {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("%s: %s", p, strings.Join(violations[p], ", ")))
	}
	return strings.Join(parts, "; ")
}
