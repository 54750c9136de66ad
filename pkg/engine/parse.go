package engine

import (
	"encoding/json"
	"strings"

	"github.com/pivotagent/pivot/pkg/state"
)

// ParseError means the response could not be turned into an envelope after
// every fallback; fatal for the current task.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Message
}

// Envelope is the JSON object the LLM must return. The model may echo a
// trace_id; the engine ignores it and uses its own.
type Envelope struct {
	TraceID  string `json:"trace_id"`
	Observe  string `json:"observe"`
	Thought  string `json:"thought"`
	Abstract string `json:"abstract"`
	Action   struct {
		Result state.ActionResult `json:"result"`
	} `json:"action"`
}

// ParseEnvelope extracts the envelope from raw model output. Models often
// wrap the JSON in prose or code fences, so parsing is tolerant, in order:
// a fenced ```json block (preferred when present, since prose preambles are
// common), a bare parse, then the maximal first-{ .. last-} span.
func ParseEnvelope(content string) (*Envelope, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &ParseError{Message: "empty response"}
	}

	if fenced, ok := extractFencedJSON(content); ok {
		if envelope, err := parseObject(fenced); err == nil {
			return envelope, nil
		}
	}

	if envelope, err := parseObject(content); err == nil {
		return envelope, nil
	}

	first := strings.Index(content, "{")
	last := strings.LastIndex(content, "}")
	if first >= 0 && last > first {
		if envelope, err := parseObject(content[first : last+1]); err == nil {
			return envelope, nil
		}
	}

	return nil, &ParseError{Message: "response is not a JSON envelope"}
}

func parseObject(content string) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// extractFencedJSON returns the body of the first ```json fence, or the first
// anonymous ``` fence as a fallback.
func extractFencedJSON(content string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		body := content[start+len(marker):]
		end := strings.Index(body, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(body[:end]), true
	}
	return "", false
}
