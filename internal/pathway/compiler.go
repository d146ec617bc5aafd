package pathway

import (
	"github.com/aj-archipelago/cortex/internal/codec"
)

// CompiledPrompt is the result of rendering a prompt against a variable set.
type CompiledPrompt struct {
	Messages    []Message
	Text        string
	TokenLength int

	UsesTextInput      bool
	UsesPreviousResult bool
}

// Compiler renders prompt templates and accounts for their token length.
type Compiler struct {
	codec codec.Codec
}

// NewCompiler builds a Compiler over the given codec.
func NewCompiler(c codec.Codec) *Compiler {
	return &Compiler{codec: c}
}

// Compile interpolates vars into the prompt. Unknown placeholders render
// empty. The engine compiles each prompt once against an empty text to learn
// its fixed token overhead before deriving the per-chunk budget.
func (c *Compiler) Compile(pr *Prompt, vars map[string]string) *CompiledPrompt {
	cp := &CompiledPrompt{
		UsesTextInput:      pr.UsesTextInput(),
		UsesPreviousResult: pr.UsesPreviousResult(),
	}

	if len(pr.Messages) > 0 {
		cp.Messages = make([]Message, 0, len(pr.Messages))
		for _, m := range pr.Messages {
			if m.Role == RoleChatHistory {
				// Left for the plugin to expand from the caller's history.
				cp.Messages = append(cp.Messages, m)
				continue
			}
			rendered := interpolate(m.Content, vars)
			cp.Messages = append(cp.Messages, Message{Role: m.Role, Content: rendered})
			cp.TokenLength += c.codec.Count(rendered)
		}
		return cp
	}

	cp.Text = interpolate(pr.Template, vars)
	cp.TokenLength = c.codec.Count(cp.Text)
	return cp
}

func interpolate(template string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return vars[name]
	})
}
