// Package pathway defines the compiled request recipes the engine executes:
// an ordered prompt list, input parameters, a target model and the flags
// governing chunking, parallelism and output shape.
package pathway

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrNoWork is returned by Validate when a pathway has neither prompts nor a
// custom resolver.
var ErrNoWork = errors.New("pathway needs at least one prompt or a resolver")

// InputFormat names the shape of the pathway's text input.
type InputFormat string

const (
	InputText InputFormat = "text"
	InputHTML InputFormat = "html"
)

// Message is one entry of a prompt's message list. The special role
// "chatHistory" marks the splice point for caller-supplied history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoleChatHistory marks the message slot expanded from the caller's chat
// history by the model plugin.
const RoleChatHistory = "chatHistory"

// Prompt is one step in a pathway: either a raw template string or a
// message list.
type Prompt struct {
	Name     string
	Template string
	Messages []Message

	// SaveResultTo writes the prompt's result into the context blob under
	// this key after completion.
	SaveResultTo string

	// FileHashes reference uploaded artifacts resolved by the external file
	// service.
	FileHashes []string

	// PathwayName delegates this step to another pathway instead of a
	// direct model dispatch.
	PathwayName string
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

func (p *Prompt) mentions(name string) bool {
	check := func(s string) bool {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			if m[1] == name {
				return true
			}
		}
		return false
	}
	if check(p.Template) {
		return true
	}
	for _, msg := range p.Messages {
		if check(msg.Content) {
			return true
		}
	}
	return false
}

// UsesTextInput reports whether the prompt consumes the text placeholder.
func (p *Prompt) UsesTextInput() bool { return p.mentions("text") }

// UsesPreviousResult reports whether the prompt consumes the previous-result
// placeholder.
func (p *Prompt) UsesPreviousResult() bool { return p.mentions("previousResult") }

// InputParam declares one entry of the pathway's input schema.
type InputParam struct {
	Type    string
	Default any
}

// ParserFunc converts raw model output into the pathway's declared shape.
type ParserFunc func(raw string) (any, error)

// Runtime is the surface a custom resolver sees of the execution engine.
type Runtime interface {
	// ResolvePrompts runs the pathway's prompt pipeline, bypassing its
	// custom resolver.
	ResolvePrompts(ctx context.Context, pw *Pathway, args map[string]any) (any, error)
	// ResolveNamed resolves another registered pathway by name. Nested
	// invocations share the caller's context blob.
	ResolveNamed(ctx context.Context, name string, args map[string]any) (any, error)
}

// ResolverFunc is a pathway-supplied resolver that replaces the default
// prompt pipeline.
type ResolverFunc func(ctx context.Context, rt Runtime, pw *Pathway, args map[string]any) (any, error)

// Pathway is a compiled request recipe. Immutable after build.
type Pathway struct {
	Name        string
	DisplayName string

	Prompts []*Prompt
	Inputs  map[string]InputParam
	Model   string

	// FileHashes is the de-duplicated union of the prompts' file hashes,
	// handed to the external file-resolution service.
	FileHashes []string

	UseInputChunking            bool
	UseInputSummarization       bool
	UseParallelChunkProcessing  bool
	UseParallelPromptProcessing bool
	EnableGraphQLCache          bool
	List                        bool
	JSON                        bool
	UseSingleTokenStream        bool
	RequestLoggingDisabled      bool
	Disabled                    bool
	IsMutation                  bool

	// EmulateOpenAIChatModel and EmulateOpenAICompletionModel are advisory
	// routing names for the REST translator.
	EmulateOpenAIChatModel       string
	EmulateOpenAICompletionModel string

	InputChunkSize int
	Timeout        time.Duration
	Temperature    *float64
	InputFormat    InputFormat

	// OutputFormat names the fields of a record when List is set, e.g.
	// "title subhead".
	OutputFormat string

	Resolver ResolverFunc
	Parser   ParserFunc
}

// Validate checks the pathway's structural invariants.
func (p *Pathway) Validate() error {
	if len(p.Prompts) == 0 && p.Resolver == nil {
		return ErrNoWork
	}
	return nil
}

// TextPromptCount returns how many prompts consume the text input; the
// remainder dispatch exactly once regardless of chunk count.
func (p *Pathway) TextPromptCount() (textPrompts, otherPrompts int) {
	for _, pr := range p.Prompts {
		if pr.UsesTextInput() {
			textPrompts++
		} else {
			otherPrompts++
		}
	}
	return
}
