// Package parser converts raw model text into the shape a pathway declares:
// plain string, list, numbered-record list, or JSON. Model output is messy;
// list parsing falls back to the next strategy rather than failing, and JSON
// parsing accepts fenced or embedded values but returns an error when no
// valid JSON value is found.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Options select the parsing strategy for one pathway.
type Options struct {
	// Custom wins over every other strategy when set.
	Custom func(raw string) (any, error)
	// List requests an array result.
	List bool
	// JSON requests a decoded JSON value.
	JSON bool
	// Fields are the record field names from the pathway's output format,
	// used by the numbered-object strategy.
	Fields []string
}

var (
	numberedLineRe = regexp.MustCompile(`^\s*\d+[.)]\s+(.*)$`)
	fencedBlockRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// Parse shapes raw model output according to opts.
func Parse(raw string, opts Options) (any, error) {
	if opts.Custom != nil {
		return opts.Custom(raw)
	}
	if opts.List {
		return parseList(raw, opts.Fields), nil
	}
	if opts.JSON {
		return parseJSON(raw)
	}
	return raw, nil
}

// parseList tries numbered lists, then comma separation, then wraps the
// whole response as a singleton. The result is always an array.
func parseList(raw string, fields []string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return []string{}
	}

	if items, ok := numberedItems(trimmed); ok {
		if len(fields) > 1 {
			return numberedObjects(items, fields)
		}
		return items
	}

	if strings.Contains(trimmed, ",") && !strings.Contains(trimmed, "\n") {
		parts := strings.Split(trimmed, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	return []string{trimmed}
}

// numberedItems extracts the payloads of numbered lines. A non-empty line
// counts as numbered when it begins with digits followed by "." or ")" and
// whitespace.
func numberedItems(raw string) ([]string, bool) {
	var items []string
	any := false
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := numberedLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		any = true
		items = append(items, strings.TrimSpace(m[1]))
	}
	return items, any
}

// numberedObjects maps each numbered item onto the declared field names.
// Items are split on " - " segments; a short item fills the leading fields
// and leaves the rest empty.
func numberedObjects(items []string, fields []string) []map[string]string {
	out := make([]map[string]string, 0, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, " - ", len(fields))
		rec := make(map[string]string, len(fields))
		for i, f := range fields {
			if i < len(parts) {
				rec[f] = strings.TrimSpace(parts[i])
			} else {
				rec[f] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}

// parseJSON decodes the response as JSON, accepting fenced code blocks and
// leading/trailing prose around the first JSON value.
func parseJSON(raw string) (any, error) {
	candidate := strings.TrimSpace(raw)
	if m := fencedBlockRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v, nil
	}

	// Fall back to the first brace/bracket-delimited region.
	if extracted, ok := extractJSON(candidate); ok {
		var v any
		if err := json.Unmarshal([]byte(extracted), &v); err == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("response is not valid JSON")
}

func extractJSON(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	open := s[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if ch == '\\' {
				i++
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
