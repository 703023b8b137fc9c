package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

// Definition binds a token to a data source reference.
//
//	rules:
//	  - token: CD4
//	    reference: obs.CD4 COUNT
//	    tags: [hiv, labs]
//	    ttl: 10m
type Definition struct {
	Token     string   `yaml:"token"`
	Reference string   `yaml:"reference"`
	Tags      []string `yaml:"tags"`
	TTL       string   `yaml:"ttl"`
}

type definitionFile struct {
	Rules []Definition `yaml:"rules"`
}

// LoadFile registers every definition in the YAML file at path. See Load.
func LoadFile(path string, svc *logic.Service) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rules file: %w", err)
	}
	n, err := Load(data, svc)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

// Load registers the definitions in data. Every definition is validated
// before the first one is registered, so a bad entry leaves the registry
// unchanged.
func Load(data []byte, svc *logic.Service) (int, error) {
	var f definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("decode rules: %w", err)
	}

	type pending struct {
		def  Definition
		rule logic.Rule
	}
	built := make([]pending, 0, len(f.Rules))
	seen := make(map[string]int, len(f.Rules))
	for i, def := range f.Rules {
		rule, err := build(def, svc.Sources())
		if err != nil {
			return 0, fmt.Errorf("rule %d (%s): %w", i+1, def.Token, err)
		}
		key := strings.ToUpper(strings.TrimSpace(def.Token))
		if prev, dup := seen[key]; dup {
			return 0, fmt.Errorf("rule %d (%s): token already defined by rule %d", i+1, def.Token, prev)
		}
		if _, err := svc.Registry().GetRule(def.Token); err == nil {
			return 0, fmt.Errorf("rule %d (%s): token already registered", i+1, def.Token)
		}
		seen[key] = i + 1
		built = append(built, pending{def: def, rule: rule})
	}

	for i, p := range built {
		if err := svc.AddRule(p.def.Token, p.rule, p.def.Tags...); err != nil {
			return i, fmt.Errorf("register %s: %w", p.def.Token, err)
		}
	}
	return len(built), nil
}

func build(def Definition, sources *logic.SourceRegistry) (logic.Rule, error) {
	if strings.TrimSpace(def.Token) == "" {
		return nil, fmt.Errorf("missing token")
	}
	if strings.TrimSpace(def.Reference) == "" {
		return nil, fmt.Errorf("missing reference")
	}
	for _, tag := range def.Tags {
		if strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("empty tag")
		}
	}
	ref, err := logic.NewReferenceRule(def.Reference, sources)
	if err != nil {
		return nil, err
	}
	if def.TTL == "" {
		return ref, nil
	}
	ttl, err := time.ParseDuration(def.TTL)
	if err != nil {
		return nil, fmt.Errorf("ttl: %w", err)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("ttl: negative duration %s", def.TTL)
	}
	return ref.WithTTL(ttl), nil
}
