package agents

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type (
	// Generator produces the full text for a prompt. Implementations wrap
	// model provider SDKs; the module ships only the deterministic Canned
	// generator so the debate loop runs without external dependencies.
	Generator func(ctx context.Context, prompt string) (string, error)

	// StreamingGenerator produces text incrementally. Callers drain the
	// returned Streamer until io.EOF and must close it.
	StreamingGenerator func(ctx context.Context, prompt string) (Streamer, error)

	// Streamer yields ordered text chunks. Recv returns io.EOF when the
	// generation is complete.
	Streamer interface {
		Recv() (string, error)
		Close() error
	}
)

// Role prompt preambles. The worker prepends one per debate step; Canned
// branches on them to stay deterministic.
const (
	promptProposal = "Draft an initial proposal for the task below. State the recommended approach and the reasoning behind it."
	promptRefine   = "Refine the proposal to address the critique below. Keep what survived review and strengthen what did not."
	promptCritique = "Provide a critical evaluation of the proposal below. Consider logical consistency, the evidence offered, weaknesses, alternatives and feasibility."
	promptConclude = "Provide the final conclusion for the discussion below. Synthesize the key insights, address the critiques raised and state a clear, actionable recommendation."
	promptChat     = "Reply briefly and helpfully to the message below."
)

// Canned returns the default generator: deterministic template answers
// derived from the prompt, no external calls. Suitable for demos and tests;
// deployments plug a real model client instead.
func Canned() Generator {
	return func(_ context.Context, prompt string) (string, error) {
		subject := promptSubject(prompt)
		switch {
		case strings.HasPrefix(prompt, promptRefine):
			return fmt.Sprintf("Addressed the critique of %s: strengthened the reasoning, added supporting evidence and folded in the strongest alternative. Confidence: 0.9", subject), nil
		case strings.HasPrefix(prompt, promptCritique):
			return fmt.Sprintf("Two weaknesses stand out in %s: the supporting evidence is thin, and one alternative approach is dismissed without analysis. Address both before adoption. Confidence: 0.75", subject), nil
		case strings.HasPrefix(prompt, promptConclude):
			return fmt.Sprintf("Weighing the proposal for %s against the critiques raised, the refined approach stands. Recommendation: adopt it with the noted caveats. Confidence: 0.8", subject), nil
		case strings.HasPrefix(prompt, promptChat):
			return "Acknowledged. Happy to help with follow-up questions.", nil
		default:
			return fmt.Sprintf("Based on %s, the recommended approach is: gather the relevant data, analyze the trends, and formulate the strategy from the findings. Confidence: 0.85", subject), nil
		}
	}
}

// Stream adapts a blocking generator into a streaming one by slicing its
// output into fixed-size chunks.
func Stream(g Generator, chunkSize int) StreamingGenerator {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	return func(ctx context.Context, prompt string) (Streamer, error) {
		text, err := g(ctx, prompt)
		if err != nil {
			return nil, err
		}
		return &sliceStreamer{text: []rune(text), size: chunkSize}, nil
	}
}

type sliceStreamer struct {
	text []rune
	size int
	pos  int
}

func (s *sliceStreamer) Recv() (string, error) {
	if s.pos >= len(s.text) {
		return "", io.EOF
	}
	end := min(s.pos+s.size, len(s.text))
	chunk := string(s.text[s.pos:end])
	s.pos = end
	return chunk, nil
}

func (s *sliceStreamer) Close() error { return nil }

// promptSubject extracts the task content line from a built prompt, quoted
// and truncated, for use in canned answers.
func promptSubject(prompt string) string {
	const marker = "Task Content: "
	i := strings.Index(prompt, marker)
	if i < 0 {
		return "the request"
	}
	rest := prompt[i+len(marker):]
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "the request"
	}
	return "'" + excerpt(rest, 30) + "'"
}

// excerpt truncates s to n runes, marking elision.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// extractConfidence finds the last "confidence:" marker in generated text
// and parses the score after it. Out-of-range scores are clamped; a missing
// or unparseable marker yields the fallback.
func extractConfidence(text string, fallback float64) float64 {
	lower := strings.ToLower(text)
	i := strings.LastIndex(lower, "confidence:")
	if i < 0 {
		return fallback
	}
	rest := strings.TrimSpace(lower[i+len("confidence:"):])
	if j := strings.IndexByte(rest, ' '); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '\n'); j >= 0 {
		rest = rest[:j]
	}
	rest = strings.TrimRight(rest, ".,;:!)")
	v, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return fallback
	}
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
