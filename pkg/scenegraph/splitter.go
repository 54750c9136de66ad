package scenegraph

import (
	"encoding/json"
	"strings"
)

// dangerZone is how many trailing characters are withheld from emission while
// they could still be the start of a section header split across chunks.
const dangerZone = 50

var sectionHeaders = []struct {
	marker  string
	section string
}{
	{"## Reason", SectionReason},
	{"## Response", SectionResponse},
	{"## Updated Scenes", SectionUpdatedScenes},
	{"## Matched Connection", SectionMatchedConnection},
}

// splitter is the chunk-stream state machine. Reason and response bodies are
// emitted incrementally; the two JSON sections accumulate until Close.
type splitter struct {
	pending string
	section string
	bodies  map[string]*strings.Builder
	onDelta func(section, delta string)
}

func newSplitter(onDelta func(section, delta string)) *splitter {
	return &splitter{
		bodies:  make(map[string]*strings.Builder),
		onDelta: onDelta,
	}
}

// Feed consumes one stream chunk.
func (s *splitter) Feed(chunk string) {
	s.pending += chunk

	for {
		idx, headerLen, section := s.findHeader()
		if idx < 0 {
			break
		}
		s.write(s.pending[:idx])
		s.section = section
		s.pending = s.pending[idx+headerLen:]
	}

	// Text before an incomplete header must not leak into the current
	// section, so the tail stays buffered while a '#' lurks in it.
	if len(s.pending) <= dangerZone {
		if strings.Contains(s.pending, "#") {
			return
		}
		s.write(s.pending)
		s.pending = ""
		return
	}

	cut := len(s.pending) - dangerZone
	if !strings.Contains(s.pending[cut:], "#") {
		cut = len(s.pending)
	}
	s.write(s.pending[:cut])
	s.pending = s.pending[cut:]
}

// Close flushes the buffered tail.
func (s *splitter) Close() {
	s.write(s.pending)
	s.pending = ""
}

// findHeader locates the earliest section header in the pending buffer.
// Longer markers are preferred at the same offset so "## Response" does not
// match as "## Reason".
func (s *splitter) findHeader() (idx, headerLen int, section string) {
	idx = -1
	for _, header := range sectionHeaders {
		at := strings.Index(s.pending, header.marker)
		if at < 0 {
			continue
		}
		if idx < 0 || at < idx || (at == idx && len(header.marker) > headerLen) {
			idx = at
			headerLen = len(header.marker)
			section = header.section
		}
	}
	return idx, headerLen, section
}

func (s *splitter) write(text string) {
	if text == "" || s.section == "" {
		return
	}

	body, ok := s.bodies[s.section]
	if !ok {
		body = &strings.Builder{}
		s.bodies[s.section] = body
	}
	body.WriteString(text)

	if s.section == SectionReason || s.section == SectionResponse {
		s.onDelta(s.section, text)
	}
}

// Body returns the accumulated text of a section, trimmed.
func (s *splitter) Body(section string) string {
	body, ok := s.bodies[section]
	if !ok {
		return ""
	}
	return strings.TrimSpace(body.String())
}

// parseFencedJSON decodes the JSON payload of a section body, accepting a
// fenced block or a bare object/array.
func parseFencedJSON(body string, target interface{}) error {
	if body == "" {
		return nil
	}
	if fenced, ok := extractFence(body); ok {
		body = fenced
	}
	return json.Unmarshal([]byte(body), target)
}

func extractFence(body string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(body, marker)
		if start < 0 {
			continue
		}
		rest := body[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
