package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aj-archipelago/cortex/internal/chunker"
	"github.com/aj-archipelago/cortex/internal/metrics"
	"github.com/aj-archipelago/cortex/internal/parser"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/plugin"
	"github.com/aj-archipelago/cortex/internal/pubsub"
	"github.com/aj-archipelago/cortex/internal/requests"
)

// chunkJoiner separates chunk results in the aggregated output.
const chunkJoiner = "\n\n"

var htmlTagRe = regexp.MustCompile(`(?i)<\s*(html|body|div|p|br|span|table|ul|ol|h[1-6])\b`)

// ResolveNamed resolves a registered pathway by name. Part of
// pathway.Runtime: nested invocations share the caller's record and context
// blob.
func (e *Engine) ResolveNamed(ctx context.Context, name string, args map[string]any) (any, error) {
	pw := e.builtins[name]
	if pw == nil && e.lookup != nil {
		found, err := e.lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		pw = found
	}
	if pw == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathwayNotFound, name)
	}
	if pw.Disabled {
		return nil, ErrPathwayDisabled
	}
	args = withDefaults(pw, args)
	if pw.Resolver != nil {
		return pw.Resolver(ctx, e, pw, args)
	}
	return e.ResolvePrompts(ctx, pw, args)
}

// ResolvePrompts runs the pathway's prompt pipeline, bypassing any custom
// resolver. Part of pathway.Runtime.
func (e *Engine) ResolvePrompts(ctx context.Context, pw *pathway.Pathway, args map[string]any) (any, error) {
	rec := e.recordFrom(ctx)

	pl, err := e.pluginFor(pw)
	if err != nil {
		return nil, err
	}

	args = cloneArgs(args)
	text, _ := args["text"].(string)

	// Oversized input may be summarized instead of chunked.
	if pw.UseInputSummarization && text != "" {
		sum, err := e.ResolveNamed(ctx, "summary", mergeMaps(args, map[string]any{"targetLength": 0}))
		if err != nil {
			rec.AddWarning(fmt.Sprintf("input summarization failed: %v", err))
		} else {
			text = fmt.Sprint(sum)
			args["text"] = text
		}
	}

	chunkMax, err := e.chunkBudget(pl, pw, args)
	if err != nil {
		return nil, err
	}
	chunks, err := e.prepareChunks(rec, pl, pw, text, chunkMax)
	if err != nil {
		return nil, err
	}
	textPrompts, otherPrompts := pw.TextPromptCount()
	total := len(chunks)*textPrompts + otherPrompts
	if total < 1 {
		total = 1
	}
	rec.SetTotalCount(total)

	// Streaming requires exactly one dispatch; anything more downgrades to
	// async and the client follows progress events instead.
	if truthy(args["stream"]) && total == 1 && len(pw.Prompts) == 1 {
		if sp, ok := pl.(plugin.Streamer); ok {
			return e.runStream(ctx, rec, sp, pw, pw.Prompts[0], chunks[0], args)
		}
	}

	switch {
	case pw.UseParallelChunkProcessing && len(chunks) > 1:
		raw, err := e.runParallelChunks(ctx, rec, pl, pw, chunks, args)
		if err != nil {
			return nil, err
		}
		return e.parse(pw, raw)
	case pw.UseParallelPromptProcessing && len(pw.Prompts) > 1:
		return e.runParallelPrompts(ctx, rec, pl, pw, chunks, args)
	default:
		raw, err := e.applyPrompts(ctx, rec, pl, pw, chunks, args, "serial")
		if err != nil {
			return nil, err
		}
		return e.parse(pw, raw)
	}
}

func (e *Engine) pluginFor(pw *pathway.Pathway) (plugin.Plugin, error) {
	model := pw.Model
	if model == "" {
		model = e.defaultModel
	}
	return e.plugins.Get(model)
}

// chunkBudget derives the per-chunk token budget from the plugin's context
// window and the fixed overhead of the pathway's prompts.
func (e *Engine) chunkBudget(pl plugin.Plugin, pw *pathway.Pathway, args map[string]any) (int, error) {
	overheadArgs := cloneArgs(args)
	delete(overheadArgs, "text")
	delete(overheadArgs, "previousResult")

	maxOverhead := 0
	textAndPrevious := false
	for _, pr := range pw.Prompts {
		cp, err := pl.CompilePrompt("", overheadArgs, pr)
		if err != nil {
			return 0, err
		}
		if cp.TokenLength > maxOverhead {
			maxOverhead = cp.TokenLength
		}
		if cp.UsesTextInput && cp.UsesPreviousResult {
			textAndPrevious = true
		}
	}

	budget := int(pl.PromptTokenRatio()*float64(pl.MaxTokenLength())) - maxOverhead - 1
	if textAndPrevious {
		budget /= 2
	}
	if pw.InputChunkSize > 0 && pw.InputChunkSize < budget {
		budget = pw.InputChunkSize
	}
	if budget <= 0 {
		return 0, &InputError{Reason: fmt.Sprintf(
			"prompt overhead (%d tokens) exceeds the usable context window", maxOverhead)}
	}
	return budget, nil
}

// prepareChunks splits or truncates the input according to the pathway's
// chunking flags.
func (e *Engine) prepareChunks(rec *requests.Record, pl plugin.Plugin, pw *pathway.Pathway, text string, chunkMax int) ([]string, error) {
	count := e.codec.Count(text)

	truncate := func() string {
		rec.AddWarning("input truncated to fit the chunk budget")
		if pl.TruncateFromFront() {
			return e.chunker.TruncateFront(text, chunkMax)
		}
		return e.chunker.TruncateBack(text, chunkMax)
	}

	if !pw.UseInputChunking {
		if count >= chunkMax {
			return []string{truncate()}, nil
		}
		return []string{text}, nil
	}
	if count < chunkMax {
		return []string{text}, nil
	}
	if count == chunkMax {
		// Exactly at the budget leaves no room for the joining separator.
		return []string{truncate()}, nil
	}

	format := chunker.Format(pw.InputFormat)
	if format == "" {
		format = detectFormat(text)
	}
	chunks, err := e.chunker.Split(text, chunkMax, format)
	if err != nil {
		return nil, &InputError{Reason: err.Error()}
	}
	return chunks, nil
}

func detectFormat(text string) chunker.Format {
	if htmlTagRe.MatchString(text) {
		return chunker.FormatHTML
	}
	return chunker.FormatText
}

// applyPrompts runs the prompt list serially, threading the previous result
// and the context blob between prompts. Prompts that consume text dispatch
// once per chunk, in chunk order.
func (e *Engine) applyPrompts(ctx context.Context, rec *requests.Record, pl plugin.Plugin, pw *pathway.Pathway, chunks []string, args map[string]any, mode string) (string, error) {
	blob := e.loadBlob(ctx, args)
	previous := ""
	out := ""

	for _, pr := range pw.Prompts {
		if rec.IsCanceled() {
			return "", requests.ErrCanceled
		}
		vars := mergeVars(args, blob, previous)

		var res string
		var err error
		switch {
		case pr.PathwayName != "":
			res, err = e.delegate(ctx, rec, pr, vars)
		case pr.UsesTextInput():
			parts := make([]string, len(chunks))
			for i, chunk := range chunks {
				parts[i], err = e.dispatch(ctx, rec, pl, pw, pr, chunk, vars, mode)
				if err != nil {
					break
				}
			}
			res = strings.Join(parts, chunkJoiner)
		default:
			res, err = e.dispatch(ctx, rec, pl, pw, pr, "", vars, mode)
		}
		if err != nil {
			return "", err
		}

		if pr.SaveResultTo != "" {
			blob[pr.SaveResultTo] = res
			e.saveBlob(ctx, args, blob)
		}
		previous = res
		out = res
	}
	return out, nil
}

// delegate hands a prompt step to another pathway instead of the model.
func (e *Engine) delegate(ctx context.Context, rec *requests.Record, pr *pathway.Prompt, vars map[string]any) (string, error) {
	nested, err := e.ResolveNamed(ctx, pr.PathwayName, vars)
	if err != nil {
		return "", err
	}
	if rec.IsCanceled() {
		return "", requests.ErrCanceled
	}
	rec.IncrementCompleted()
	e.publishProgress(ctx, rec, pr)
	return fmt.Sprint(nested), nil
}

// runParallelChunks fans out over chunks, each with its own previous-result
// lineage, and joins the results in input order.
func (e *Engine) runParallelChunks(ctx context.Context, rec *requests.Record, pl plugin.Plugin, pw *pathway.Pathway, chunks []string, args map[string]any) (string, error) {
	results := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := e.applyPrompts(gctx, rec, pl, pw, []string{chunk}, args, "parallel_chunk")
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(results, chunkJoiner), nil
}

// runParallelPrompts applies each prompt independently across all chunks.
// No previous result flows between prompts; the result is one entry per
// prompt, in prompt order.
func (e *Engine) runParallelPrompts(ctx context.Context, rec *requests.Record, pl plugin.Plugin, pw *pathway.Pathway, chunks []string, args map[string]any) ([]any, error) {
	results := make([]any, len(pw.Prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, pr := range pw.Prompts {
		g.Go(func() error {
			blob := e.loadBlob(gctx, args)
			vars := mergeVars(args, blob, "")

			var raw string
			var err error
			if pr.UsesTextInput() {
				parts := make([]string, len(chunks))
				for j, chunk := range chunks {
					parts[j], err = e.dispatch(gctx, rec, pl, pw, pr, chunk, vars, "parallel_prompt")
					if err != nil {
						return err
					}
				}
				raw = strings.Join(parts, chunkJoiner)
			} else {
				raw, err = e.dispatch(gctx, rec, pl, pw, pr, "", vars, "parallel_prompt")
				if err != nil {
					return err
				}
			}

			if pr.SaveResultTo != "" {
				blob[pr.SaveResultTo] = raw
				e.saveBlob(gctx, args, blob)
			}
			parsed, err := e.parse(pw, raw)
			if err != nil {
				return err
			}
			results[i] = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runStream forwards the plugin's native stream verbatim onto the request's
// progress topic, appending the terminal [DONE] event when it completes.
func (e *Engine) runStream(ctx context.Context, rec *requests.Record, sp plugin.Streamer, pw *pathway.Pathway, pr *pathway.Prompt, text string, args map[string]any) (any, error) {
	blob := e.loadBlob(ctx, args)
	vars := mergeVars(args, blob, "")

	cp, err := sp.CompilePrompt(text, vars, pr)
	if err != nil {
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues(sp.Name(), "stream").Inc()
	metrics.DispatchTokens.Observe(float64(cp.TokenLength))

	ch, err := sp.ExecuteStream(ctx, text, e.params(pw, args), cp, e.handleFor(rec))
	if err != nil {
		return nil, &UpstreamError{Prompt: promptName(pr), Err: err}
	}

	var acc strings.Builder
loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-ch:
			if !ok || evt.Done {
				break loop
			}
			if rec.IsCanceled() {
				return nil, requests.ErrCanceled
			}
			acc.WriteString(evt.Delta)
			e.broker.Publish(ctx, pubsub.TopicRequestProgress, pubsub.Event{
				RequestID: rec.ID,
				Data:      evt.Delta,
			})
		}
	}

	if rec.IsCanceled() {
		return nil, requests.ErrCanceled
	}
	rec.IncrementCompleted()

	raw := acc.String()
	if pr.SaveResultTo != "" {
		blob[pr.SaveResultTo] = raw
		e.saveBlob(ctx, args, blob)
	}
	return e.parse(pw, raw)
}

// dispatch performs one plugin call for one prompt and, when applicable,
// one chunk. The cancel flag is read before the call and again before the
// result is admitted, so a concurrent cancel discards in-flight output.
func (e *Engine) dispatch(ctx context.Context, rec *requests.Record, pl plugin.Plugin, pw *pathway.Pathway, pr *pathway.Prompt, chunkText string, vars map[string]any, mode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if rec.IsCanceled() {
		return "", requests.ErrCanceled
	}

	cp, err := pl.CompilePrompt(chunkText, vars, pr)
	if err != nil {
		return "", err
	}
	metrics.DispatchesTotal.WithLabelValues(pl.Name(), mode).Inc()
	metrics.DispatchTokens.Observe(float64(cp.TokenLength))

	res, err := pl.Execute(ctx, chunkText, e.params(pw, vars), cp, e.handleFor(rec))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", &UpstreamError{Prompt: promptName(pr), Err: err}
	}

	if rec.IsCanceled() {
		return "", requests.ErrCanceled
	}
	rec.IncrementCompleted()
	e.publishProgress(ctx, rec, pr)
	return res, nil
}

func (e *Engine) publishProgress(ctx context.Context, rec *requests.Record, pr *pathway.Prompt) {
	progress := rec.Progress()
	if progress >= 1 {
		// Progress 1 marks the terminal event, which finish publishes.
		return
	}
	e.broker.Publish(ctx, pubsub.TopicRequestProgress, pubsub.Event{
		RequestID: rec.ID,
		Progress:  progress,
		Info:      promptName(pr),
	})
}

func (e *Engine) params(pw *pathway.Pathway, args map[string]any) plugin.Params {
	model := pw.Model
	if model == "" {
		model = e.defaultModel
	}
	return plugin.Params{
		Model:       model,
		Temperature: pw.Temperature,
		ChatHistory: historyFrom(args),
	}
}

func (e *Engine) parse(pw *pathway.Pathway, raw string) (any, error) {
	return parser.Parse(raw, parser.Options{
		Custom: pw.Parser,
		List:   pw.List,
		JSON:   pw.JSON,
		Fields: strings.Fields(pw.OutputFormat),
	})
}

// loadBlob reads the request's context blob; sessionless requests get an
// empty local map.
func (e *Engine) loadBlob(ctx context.Context, args map[string]any) map[string]string {
	id, _ := args["contextId"].(string)
	if id == "" {
		return make(map[string]string)
	}
	blob, err := e.kv.Get(ctx, id)
	if err != nil {
		e.logger.Warn("context blob load failed", zap.String("context_id", id), zap.Error(err))
		return make(map[string]string)
	}
	if blob == nil {
		blob = make(map[string]string)
	}
	return blob
}

func (e *Engine) saveBlob(ctx context.Context, args map[string]any, blob map[string]string) {
	id, _ := args["contextId"].(string)
	if id == "" {
		return
	}
	if err := e.kv.Set(ctx, id, blob); err != nil {
		e.logger.Warn("context blob save failed", zap.String("context_id", id), zap.Error(err))
	}
}

type handle struct {
	engine *Engine
	rec    *requests.Record
}

func (e *Engine) handleFor(rec *requests.Record) plugin.Handle {
	return &handle{engine: e, rec: rec}
}

func (h *handle) RequestID() string { return h.rec.ID }

func (h *handle) Publish(ctx context.Context, evt pubsub.Event) {
	evt.RequestID = h.rec.ID
	h.engine.broker.Publish(ctx, pubsub.TopicRequestProgress, evt)
}

func promptName(pr *pathway.Prompt) string {
	if pr.Name != "" {
		return pr.Name
	}
	return "prompt"
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func mergeMaps(base map[string]any, extra map[string]any) map[string]any {
	out := cloneArgs(base)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// mergeVars builds the variable set for one prompt: args ∪ context blob ∪
// the previous prompt's result.
func mergeVars(args map[string]any, blob map[string]string, previous string) map[string]any {
	out := cloneArgs(args)
	for k, v := range blob {
		out[k] = v
	}
	out["previousResult"] = previous
	return out
}

func historyFrom(args map[string]any) []pathway.Message {
	switch h := args["chatHistory"].(type) {
	case []pathway.Message:
		return h
	case []any:
		out := make([]pathway.Message, 0, len(h))
		for _, item := range h {
			if m, ok := item.(map[string]any); ok {
				role, _ := m["role"].(string)
				content, _ := m["content"].(string)
				out = append(out, pathway.Message{Role: role, Content: content})
			}
		}
		return out
	default:
		return nil
	}
}
