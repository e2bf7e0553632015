package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractor structures a classified line into named fields.
//
// Named capture groups become event fields; groups whose value parses
// as a number additionally land in Numbers. Extractors run in
// registration order and the first match wins.
type Extractor struct {
	// Name identifies the extractor and becomes the event Kind.
	Name string

	// Pattern must use named capture groups. A group called "message"
	// populates the event message instead of a field.
	Pattern *regexp.Regexp
}

// Apply runs the extractor against a line. Returns false when the
// pattern does not match.
func (x *Extractor) Apply(line string, ev *Event) bool {
	match := x.Pattern.FindStringSubmatch(line)
	if match == nil {
		return false
	}

	for i, name := range x.Pattern.SubexpNames() {
		if i == 0 || name == "" || match[i] == "" {
			continue
		}
		if name == "message" {
			ev.Message = strings.TrimSpace(match[i])
			continue
		}
		setField(ev, name, match[i])
	}
	ev.Kind = x.Name
	return true
}

// DefaultExtractors returns the extractor set registered out of the box.
//
// The shapes cover the game server's common diagnostic formats:
//
//	ERROR pot_mismatch table=42 expected=1000 actual=950
//	WARN slow_op op=save_table duration_ms=2344
//	ERROR code=E1042 player=99 disconnected during showdown
func DefaultExtractors() []*Extractor {
	return []*Extractor{
		{
			Name:    "typed_kv",
			Pattern: regexp.MustCompile(`^(?P<type>[a-z][a-z0-9_]*)(?:\s+[A-Za-z_][A-Za-z0-9_]*=\S+)+\s*$`),
		},
		{
			Name:    "error_code",
			Pattern: regexp.MustCompile(`^code=(?P<code>[A-Z][0-9]{3,5})\s+(?P<message>.+)$`),
		},
	}
}

// kvPattern matches key=value tokens anywhere in a line.
var kvPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)

// relaxedExtract is the bounded fallback re-parse for lines no strict
// extractor matched: any key=value tokens are pulled out, the rest is
// the message.
func relaxedExtract(line string, ev *Event) bool {
	matches := kvPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return false
	}
	for _, m := range matches {
		setField(ev, m[1], m[2])
	}
	ev.Message = strings.TrimSpace(kvPattern.ReplaceAllString(line, ""))
	ev.Kind = "relaxed"
	return true
}

// mergeKV adds any key=value tokens from the line that a strict
// extractor did not already claim.
func mergeKV(line string, ev *Event) {
	for _, m := range kvPattern.FindAllStringSubmatch(line, -1) {
		if ev.Fields != nil {
			if _, ok := ev.Fields[m[1]]; ok {
				continue
			}
		}
		setField(ev, m[1], m[2])
	}
}

func setField(ev *Event, name, value string) {
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if ev.Numbers == nil {
			ev.Numbers = make(map[string]float64)
		}
		ev.Numbers[name] = n
	}
	if ev.Fields == nil {
		ev.Fields = make(map[string]string)
	}
	ev.Fields[name] = value
}
