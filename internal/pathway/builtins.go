package pathway

import (
	"context"
	"fmt"
	"strings"
)

// headlineMaxIterations bounds the re-prompt loop of the headline resolver.
const headlineMaxIterations = 3

// Builtins returns the pathways compiled into the gateway. Dynamic pathways
// published through the store are layered on top of these at lookup time.
func Builtins() map[string]*Pathway {
	return map[string]*Pathway{
		"chat": {
			Name: "chat",
			Prompts: []*Prompt{
				{Name: "chat", Template: "{{text}}"},
			},
		},
		"summary": {
			Name:             "summary",
			UseInputChunking: true,
			Prompts: []*Prompt{
				{
					Name:     "summarize",
					Template: "Write a concise summary of the following text, preserving all key information:\n\n{{text}}",
				},
			},
		},
		"headline": {
			Name: "headline",
			List: true,
			Prompts: []*Prompt{
				{
					Name:     "headlines",
					Template: "Write {{count}} short headlines for the following text, one per line, each under {{targetLength}} characters:\n\n{{text}}",
				},
			},
			Resolver: headlineResolver,
			Inputs: map[string]InputParam{
				"count":        {Type: "int", Default: 5},
				"targetLength": {Type: "int", Default: 65},
			},
		},
	}
}

// headlineResolver re-prompts until enough headlines satisfy the length
// predicate, bounded by headlineMaxIterations.
func headlineResolver(ctx context.Context, rt Runtime, pw *Pathway, args map[string]any) (any, error) {
	count := intArg(args, "count", 5)
	target := intArg(args, "targetLength", 65)

	var keep []string
	for i := 0; i < headlineMaxIterations && len(keep) < count; i++ {
		res, err := rt.ResolvePrompts(ctx, pw, args)
		if err != nil {
			return nil, err
		}
		for _, line := range resultLines(res) {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if target <= 0 || len([]rune(line)) < target {
				keep = append(keep, line)
			}
			if len(keep) >= count {
				break
			}
		}
	}
	if len(keep) > count {
		keep = keep[:count]
	}
	return keep, nil
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// resultLines flattens a parsed pathway result into individual lines.
func resultLines(res any) []string {
	switch v := res.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return strings.Split(v, "\n")
	default:
		return []string{fmt.Sprint(v)}
	}
}
