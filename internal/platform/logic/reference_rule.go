package logic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceRule is an alias for a data source key. Its state is the
// reference "source.key".
type ReferenceRule struct {
	source  string
	key     string
	sources *SourceRegistry
	// ttl overrides the data source TTL when set.
	ttl *time.Duration
}

// NewReferenceRule parses and validates a reference against sources.
func NewReferenceRule(ref string, sources *SourceRegistry) (*ReferenceRule, error) {
	r := &ReferenceRule{sources: sources}
	if err := r.RestoreState(ref); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// IsReference reports whether token uses the "@source.key" or
// "${SOURCE::KEY}" reference syntax.
func IsReference(token string) bool {
	return strings.HasPrefix(token, "@") || (strings.HasPrefix(token, "${") && strings.HasSuffix(token, "}"))
}

// ParseReference splits "source.key", "@source.key" or "${SOURCE::KEY}".
func ParseReference(ref string) (source, key string, err error) {
	s := strings.TrimSpace(ref)
	sep := "."
	switch {
	case strings.HasPrefix(s, "${"):
		if !strings.HasSuffix(s, "}") {
			return "", "", &InvalidRuleReferenceError{Reference: ref, Reason: "missing closing '}'"}
		}
		s = s[2 : len(s)-1]
		sep = "::"
	case strings.HasPrefix(s, "@"):
		s = s[1:]
	}
	i := strings.Index(s, sep)
	if i <= 0 || i+len(sep) >= len(s) {
		return "", "", &InvalidRuleReferenceError{Reference: ref, Reason: fmt.Sprintf("expected source%skey", sep)}
	}
	source = strings.ToLower(strings.TrimSpace(s[:i]))
	key = strings.TrimSpace(s[i+len(sep):])
	if source == "" || key == "" {
		return "", "", &InvalidRuleReferenceError{Reference: ref, Reason: "empty source or key"}
	}
	return source, key, nil
}

func (r *ReferenceRule) Source() string { return r.source }
func (r *ReferenceRule) Key() string { return r.key }

// SerializeState returns "source.key".
func (r *ReferenceRule) SerializeState() string { return r.source + "." + r.key }

// RestoreState loads a reference. It does not check that the source exists;
// call Validate for that.
func (r *ReferenceRule) RestoreState(state string) error {
	source, key, err := ParseReference(state)
	if err != nil {
		return err
	}
	r.source, r.key = source, key
	return nil
}

// Validate checks that the source exists and recognizes the key.
func (r *ReferenceRule) Validate() error {
	ref := r.SerializeState()
	if r.sources == nil {
		return &InvalidRuleReferenceError{Reference: ref, Reason: "no data sources configured"}
	}
	src, ok := r.sources.Get(r.source)
	if !ok {
		return &InvalidRuleReferenceError{Reference: ref, Reason: fmt.Sprintf("unknown data source %q", r.source)}
	}
	if !src.HasKey(r.key) {
		return &InvalidRuleReferenceError{Reference: ref, Reason: fmt.Sprintf("data source %q has no key %q", r.source, r.key)}
	}
	return nil
}

func (r *ReferenceRule) dataSource() (DataSource, error) {
	if r.sources == nil {
		return nil, &InvalidRuleReferenceError{Reference: r.SerializeState(), Reason: "no data sources configured"}
	}
	src, ok := r.sources.Get(r.source)
	if !ok {
		return nil, &InvalidRuleReferenceError{Reference: r.SerializeState(), Reason: fmt.Sprintf("unknown data source %q", r.source)}
	}
	return src, nil
}

func (r *ReferenceRule) Evaluate(ctx context.Context, ec *EvalContext, patient uuid.UUID, params Params) (Result, error) {
	src, err := r.dataSource()
	if err != nil {
		return Result{}, err
	}
	res, err := src.Read(ctx, ec, []uuid.UUID{patient}, Token(r.key).WithParams(params))
	if err != nil {
		return Result{}, err
	}
	return res[patient], nil
}

func (r *ReferenceRule) Dependencies() []string { return nil }

// WithTTL returns a copy of r that is cached for d instead of the data
// source default.
func (r *ReferenceRule) WithTTL(d time.Duration) *ReferenceRule {
	cp := *r
	cp.ttl = &d
	return &cp
}

func (r *ReferenceRule) TTL() time.Duration {
	if r.ttl != nil {
		return *r.ttl
	}
	if src, err := r.dataSource(); err == nil {
		return src.DefaultTTL()
	}
	return 0
}

func (r *ReferenceRule) DefaultDatatype() Datatype {
	src, err := r.dataSource()
	if err != nil {
		return DatatypeNone
	}
	if kt, ok := src.(KeyTyper); ok {
		return kt.KeyDatatype(r.key)
	}
	return DatatypeNone
}
