// Package store is the dynamic pathway store: CRUD over user-published
// pathway definitions persisted as a single human-diffable JSON document on
// a pluggable backend. Mutations are gated by a per-record secret plus the
// gateway's global publish key.
package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/metrics"
	"github.com/aj-archipelago/cortex/internal/pathway"
)

var (
	// ErrNotFound is returned when no pathway exists for (userId, name).
	ErrNotFound = errors.New("pathway not found")
	// ErrSecretRequired is returned when a mutation arrives without a
	// secret.
	ErrSecretRequired = errors.New("secret is required")
	// ErrSecretMismatch is returned when the caller's secret does not match
	// the stored record's.
	ErrSecretMismatch = errors.New("secret does not match")
	// ErrPublishKeyMismatch is returned when the global publish key check
	// fails.
	ErrPublishKeyMismatch = errors.New("publish key does not match")
	// ErrLegacyPathway is returned for prompt-name-filtered mutations
	// against a pathway stored in the legacy bare-string format; the caller
	// must republish it in the structured format first.
	ErrLegacyPathway = errors.New("pathway uses the legacy prompt format; republish it with named prompts")
)

// defaultPollInterval bounds how stale the cache may go before the backend's
// LastModified is consulted again.
const defaultPollInterval = 5 * time.Second

// defaultSystemPrompt opens every published pathway that does not declare
// its own.
const defaultSystemPrompt = "You are a helpful assistant."

// PromptEntry is one prompt of a stored pathway. Legacy documents store
// bare strings; structured ones store objects.
type PromptEntry struct {
	Name        string   `json:"name,omitempty"`
	Prompt      string   `json:"prompt"`
	Files       []string `json:"files,omitempty"`
	PathwayName string   `json:"cortexPathwayName,omitempty"`

	legacy bool
}

// PromptList accepts both the legacy and the structured document shapes.
type PromptList []PromptEntry

// Legacy reports whether the list is in the legacy format. A mixed list is
// treated as legacy for compatibility.
func (pl PromptList) Legacy() bool {
	for _, e := range pl {
		if e.legacy {
			return true
		}
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler.
func (pl *PromptList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(PromptList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, PromptEntry{Prompt: s, legacy: true})
			continue
		}
		var e PromptEntry
		if err := json.Unmarshal(item, &e); err != nil {
			return fmt.Errorf("prompt entry: %w", err)
		}
		out = append(out, e)
	}
	*pl = out
	return nil
}

// MarshalJSON implements json.Marshaler, preserving the legacy shape for
// legacy lists.
func (pl PromptList) MarshalJSON() ([]byte, error) {
	if pl.Legacy() {
		strs := make([]string, len(pl))
		for i, e := range pl {
			strs[i] = e.Prompt
		}
		return json.Marshal(strs)
	}
	type entry PromptEntry // strip the custom marshaler
	out := make([]entry, len(pl))
	for i, e := range pl {
		out[i] = entry(e)
	}
	return json.Marshal(out)
}

// StoredPathway is the persisted shape of a published pathway: the compiled
// pathway minus runtime closures, plus the write-capability secret.
type StoredPathway struct {
	Prompt           PromptList `json:"prompt"`
	Secret           string     `json:"secret"`
	DisplayName      string     `json:"displayName,omitempty"`
	SystemPrompt     string     `json:"systemPrompt,omitempty"`
	Model            string     `json:"model,omitempty"`
	InputChunkSize   int        `json:"inputChunkSize,omitempty"`
	UseInputChunking bool       `json:"useInputChunking,omitempty"`
	List             bool       `json:"list,omitempty"`
	JSON             bool       `json:"json,omitempty"`
	OutputFormat     string     `json:"format,omitempty"`
	TimeoutSeconds   int        `json:"timeout,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
}

// Document is the persisted layout: userId → pathwayName → stored pathway.
type Document map[string]map[string]*StoredPathway

// Summary is one row of ListPathways.
type Summary struct {
	UserID      string
	Name        string
	DisplayName string
	Legacy      bool
}

// Store caches the document in memory and reloads when the backend reports
// a newer LastModified, so writers on other instances become visible within
// one polling interval.
type Store struct {
	backend      Backend
	publishKey   string
	pollInterval time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	doc       Document
	loadedAt  time.Time
	checkedAt time.Time
	loaded    bool
}

// New builds a Store over the given backend. publishKey may be empty to
// disable the global gate (local development).
func New(backend Backend, publishKey string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend:      backend,
		publishKey:   publishKey,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	return s
}

// StartWatching wires backend change notifications into cache invalidation
// when the backend supports it.
func (s *Store) StartWatching(ctx context.Context) {
	w, ok := s.backend.(Watcher)
	if !ok {
		return
	}
	if err := w.Watch(ctx, s.invalidate); err != nil {
		s.logger.Warn("pathway store watch unavailable", zap.Error(err))
	}
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

// Put creates or replaces a stored pathway. The secret is required at
// create and must match at every subsequent mutation.
func (s *Store) Put(ctx context.Context, userID, name string, sp StoredPathway, secret, publishKey string) error {
	if err := s.authorize(publishKey, secret); err != nil {
		metrics.StoreOperations.WithLabelValues("put", "denied").Inc()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx, true)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("put", "error").Inc()
		return err
	}

	if existing := doc.get(userID, name); existing != nil {
		if subtle.ConstantTimeCompare([]byte(existing.Secret), []byte(secret)) != 1 {
			metrics.StoreOperations.WithLabelValues("put", "denied").Inc()
			return ErrSecretMismatch
		}
	}

	sp.Secret = secret
	if doc[userID] == nil {
		doc[userID] = make(map[string]*StoredPathway)
	}
	doc[userID][name] = &sp

	if err := s.saveLocked(ctx, doc); err != nil {
		metrics.StoreOperations.WithLabelValues("put", "error").Inc()
		return err
	}
	metrics.StoreOperations.WithLabelValues("put", "ok").Inc()
	return nil
}

// UpdatePrompts replaces only the named prompts of a stored pathway. Legacy
// pathways cannot be addressed by prompt name.
func (s *Store) UpdatePrompts(ctx context.Context, userID, name string, entries []PromptEntry, promptNames []string, secret, publishKey string) error {
	if err := s.authorize(publishKey, secret); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx, true)
	if err != nil {
		return err
	}
	existing := doc.get(userID, name)
	if existing == nil {
		return ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(existing.Secret), []byte(secret)) != 1 {
		return ErrSecretMismatch
	}
	if existing.Prompt.Legacy() {
		return ErrLegacyPathway
	}

	byName := make(map[string]PromptEntry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}
	for _, want := range promptNames {
		replacement, ok := byName[want]
		if !ok {
			continue
		}
		for i := range existing.Prompt {
			if existing.Prompt[i].Name == want {
				existing.Prompt[i] = replacement
			}
		}
	}

	if err := s.saveLocked(ctx, doc); err != nil {
		return err
	}
	metrics.StoreOperations.WithLabelValues("update_prompts", "ok").Inc()
	return nil
}

// Delete removes a stored pathway; removing the last pathway of a user
// removes the namespace.
func (s *Store) Delete(ctx context.Context, userID, name, secret, publishKey string) error {
	if err := s.authorize(publishKey, secret); err != nil {
		metrics.StoreOperations.WithLabelValues("delete", "denied").Inc()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx, true)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("delete", "error").Inc()
		return err
	}
	existing := doc.get(userID, name)
	if existing == nil {
		return ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(existing.Secret), []byte(secret)) != 1 {
		metrics.StoreOperations.WithLabelValues("delete", "denied").Inc()
		return ErrSecretMismatch
	}

	delete(doc[userID], name)
	if len(doc[userID]) == 0 {
		delete(doc, userID)
	}

	if err := s.saveLocked(ctx, doc); err != nil {
		metrics.StoreOperations.WithLabelValues("delete", "error").Inc()
		return err
	}
	metrics.StoreOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// GetStored returns the raw stored record.
func (s *Store) GetStored(ctx context.Context, userID, name string) (*StoredPathway, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx, false)
	if err != nil {
		return nil, err
	}
	sp := doc.get(userID, name)
	if sp == nil {
		return nil, ErrNotFound
	}
	return sp, nil
}

// GetPathway materializes the stored record into an executable pathway.
func (s *Store) GetPathway(ctx context.Context, userID, name string) (*pathway.Pathway, error) {
	sp, err := s.GetStored(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	return Materialize(name, sp), nil
}

// ListPathways returns a summary of every stored pathway, sorted by user
// and name.
func (s *Store) ListPathways(ctx context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(ctx, false)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for userID, byName := range doc {
		for name, sp := range byName {
			out = append(out, Summary{
				UserID:      userID,
				Name:        name,
				DisplayName: sp.DisplayName,
				Legacy:      sp.Prompt.Legacy(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) authorize(publishKey, secret string) error {
	if secret == "" {
		return ErrSecretRequired
	}
	if s.publishKey != "" && subtle.ConstantTimeCompare([]byte(s.publishKey), []byte(publishKey)) != 1 {
		return ErrPublishKeyMismatch
	}
	return nil
}

// loadLocked returns the cached document, refreshing from the backend when
// forced, invalidated, or stale past the poll interval. A backend failure
// serves the last cached map with a warning instead of failing the caller.
func (s *Store) loadLocked(ctx context.Context, force bool) (Document, error) {
	now := time.Now()
	refresh := force || !s.loaded
	if !refresh && now.Sub(s.checkedAt) >= s.pollInterval {
		s.checkedAt = now
		lm, err := s.backend.LastModified(ctx)
		if err != nil {
			s.logger.Warn("pathway store LastModified failed", zap.Error(err))
		} else if lm.After(s.loadedAt) {
			refresh = true
		}
	}
	if !refresh {
		return s.doc, nil
	}

	data, err := s.backend.Load(ctx)
	if err != nil {
		if s.loaded {
			s.logger.Warn("pathway store load failed; serving cached document", zap.Error(err))
			return s.doc, nil
		}
		return nil, fmt.Errorf("load pathway document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		if s.loaded {
			s.logger.Warn("pathway document is invalid; serving cached document", zap.Error(err))
			return s.doc, nil
		}
		return nil, fmt.Errorf("decode pathway document: %w", err)
	}
	if doc == nil {
		doc = make(Document)
	}

	s.doc = doc
	s.loaded = true
	s.checkedAt = now
	if lm, err := s.backend.LastModified(ctx); err == nil {
		s.loadedAt = lm
	} else {
		s.loadedAt = now
	}
	return s.doc, nil
}

// saveLocked persists the document as indented UTF-8 JSON so operators can
// diff it.
func (s *Store) saveLocked(ctx context.Context, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pathway document: %w", err)
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("save pathway document: %w", err)
	}
	s.doc = doc
	s.loaded = true
	if lm, err := s.backend.LastModified(ctx); err == nil {
		s.loadedAt = lm
	} else {
		s.loadedAt = time.Now()
	}
	return nil
}

func (d Document) get(userID, name string) *StoredPathway {
	byName, ok := d[userID]
	if !ok {
		return nil
	}
	return byName[name]
}

// Materialize converts a stored record into an executable pathway. Each
// prompt entry becomes a system / chat-history / user message triple, and
// file hashes bubble up de-duplicated onto the pathway.
func Materialize(name string, sp *StoredPathway) *pathway.Pathway {
	system := sp.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	prompts := make([]*pathway.Prompt, 0, len(sp.Prompt))
	seen := make(map[string]struct{})
	var files []string
	for i, entry := range sp.Prompt {
		promptName := entry.Name
		if promptName == "" {
			promptName = fmt.Sprintf("%s-%d", name, i+1)
		}
		prompts = append(prompts, &pathway.Prompt{
			Name: promptName,
			Messages: []pathway.Message{
				{Role: "system", Content: system},
				{Role: pathway.RoleChatHistory, Content: "{{chatHistory}}"},
				{Role: "user", Content: "{{text}}\n\n" + entry.Prompt},
			},
			FileHashes:  entry.Files,
			PathwayName: entry.PathwayName,
		})
		for _, h := range entry.Files {
			if _, dup := seen[h]; !dup {
				seen[h] = struct{}{}
				files = append(files, h)
			}
		}
	}

	pw := &pathway.Pathway{
		Name:             name,
		DisplayName:      sp.DisplayName,
		Prompts:          prompts,
		Model:            sp.Model,
		FileHashes:       files,
		UseInputChunking: sp.UseInputChunking,
		InputChunkSize:   sp.InputChunkSize,
		List:             sp.List,
		JSON:             sp.JSON,
		OutputFormat:     sp.OutputFormat,
		Temperature:      sp.Temperature,
	}
	if sp.TimeoutSeconds > 0 {
		pw.Timeout = time.Duration(sp.TimeoutSeconds) * time.Second
	}
	return pw
}
