package logic

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type registryEntry struct {
	token string // display form as first registered
	rule  Rule
	tags  map[string]struct{}
	ttl   time.Duration
}

// Registry maps case-insensitive tokens to rules and keeps a many-to-many
// tag index. Tag and token state change together under the write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry      // lower(token) -> entry
	tagIdx  map[string]map[string]struct{} // tag -> set of lower(token)
	logger  zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		tagIdx:  make(map[string]map[string]struct{}),
		logger:  logger.With().Str("component", "rule-registry").Logger(),
	}
}

func normToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// GetRule returns the rule bound to token.
func (r *Registry) GetRule(token string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normToken(token)]
	if !ok {
		return nil, &UnknownTokenError{Token: token}
	}
	return e.rule, nil
}

func (r *Registry) lookup(token string) (Rule, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normToken(token)]
	if !ok {
		return nil, 0, false
	}
	return e.rule, e.ttl, true
}

// displayToken returns token as first registered, or token itself.
func (r *Registry) displayToken(token string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[normToken(token)]; ok {
		return e.token
	}
	return token
}

// AddRule binds rule to token, replacing any existing binding. Tags are
// added to the token's existing tags. Rules implementing Validator are
// checked first; a failed check leaves the registry unchanged.
func (r *Registry) AddRule(token string, rule Rule, tags ...string) error {
	key := normToken(token)
	if key == "" {
		return fmt.Errorf("add rule: empty token")
	}
	if rule == nil {
		return fmt.Errorf("add rule %q: nil rule", token)
	}
	if v, ok := rule.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("add rule %q: %w", token, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &registryEntry{token: strings.TrimSpace(token), tags: make(map[string]struct{})}
		r.entries[key] = e
	} else {
		r.logger.Debug().Str("token", e.token).Msg("replacing rule")
	}
	e.rule = rule
	e.ttl = rule.TTL()
	for _, tag := range tags {
		r.tagLocked(key, e, tag)
	}
	return nil
}

// UpdateRule replaces the rule of an existing token and keeps its tags.
func (r *Registry) UpdateRule(token string, rule Rule) error {
	if rule == nil {
		return fmt.Errorf("update rule %q: nil rule", token)
	}
	if v, ok := rule.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("update rule %q: %w", token, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[normToken(token)]
	if !ok {
		return &UnknownTokenError{Token: token}
	}
	e.rule = rule
	e.ttl = rule.TTL()
	return nil
}

// RemoveRule deletes the token and every tag membership it had.
func (r *Registry) RemoveRule(token string) error {
	key := normToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return &UnknownTokenError{Token: token}
	}
	for tag := range e.tags {
		r.untagLocked(key, e, tag)
	}
	delete(r.entries, key)
	return nil
}

// AddTokenTag attaches tag to an existing token.
func (r *Registry) AddTokenTag(token, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("add tag to %q: empty tag", token)
	}
	key := normToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return &UnknownTokenError{Token: token}
	}
	r.tagLocked(key, e, tag)
	return nil
}

// RemoveTokenTag detaches tag from an existing token.
func (r *Registry) RemoveTokenTag(token, tag string) error {
	key := normToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return &UnknownTokenError{Token: token}
	}
	r.untagLocked(key, e, strings.TrimSpace(tag))
	return nil
}

func (r *Registry) tagLocked(key string, e *registryEntry, tag string) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	e.tags[tag] = struct{}{}
	set, ok := r.tagIdx[tag]
	if !ok {
		set = make(map[string]struct{})
		r.tagIdx[tag] = set
	}
	set[key] = struct{}{}
}

func (r *Registry) untagLocked(key string, e *registryEntry, tag string) {
	delete(e.tags, tag)
	if set, ok := r.tagIdx[tag]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(r.tagIdx, tag)
		}
	}
}

// GetTokenTags returns the tags of token, sorted.
func (r *Registry) GetTokenTags(token string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normToken(token)]
	if !ok {
		return nil, &UnknownTokenError{Token: token}
	}
	tags := make([]string, 0, len(e.tags))
	for t := range e.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags, nil
}

// GetTokens returns the tokens containing partial, case-insensitively.
// An empty partial matches every token.
func (r *Registry) GetTokens(partial string) []string {
	needle := strings.ToLower(partial)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for key, e := range r.entries {
		if strings.Contains(key, needle) {
			out = append(out, e.token)
		}
	}
	sort.Strings(out)
	return out
}

// GetAllTokens returns every registered token.
func (r *Registry) GetAllTokens() []string { return r.GetTokens("") }

// GetTags returns the tags containing partial, case-insensitively.
func (r *Registry) GetTags(partial string) []string {
	needle := strings.ToLower(partial)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for tag := range r.tagIdx {
		if strings.Contains(strings.ToLower(tag), needle) {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// GetTokensWithTag returns the tokens carrying exactly tag.
func (r *Registry) GetTokensWithTag(tag string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for key := range r.tagIdx[tag] {
		if e, ok := r.entries[key]; ok {
			out = append(out, e.token)
		}
	}
	sort.Strings(out)
	return out
}

// TTL returns the cache lifetime recorded for token.
func (r *Registry) TTL(token string) (time.Duration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normToken(token)]
	if !ok {
		return 0, &UnknownTokenError{Token: token}
	}
	return e.ttl, nil
}

// Len returns the number of registered tokens.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close drops every binding. The registry is empty but usable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*registryEntry)
	r.tagIdx = make(map[string]map[string]struct{})
}
