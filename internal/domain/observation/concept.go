package observation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ehr/clinlogic/internal/platform/logic"
)

// ConceptTable holds the concept dictionary.
const ConceptTable = "concept"

// Concept is one entry of the concept dictionary.
type Concept struct {
	Code     string         `json:"code"`
	Name     string         `json:"name"`
	Datatype logic.Datatype `json:"datatype"`
}

// DefaultConcepts seeds a dictionary when no concept table is available.
var DefaultConcepts = []Concept{
	{Code: "5497", Name: "CD4 COUNT", Datatype: logic.DatatypeNumeric},
	{Code: "5089", Name: "WEIGHT (KG)", Datatype: logic.DatatypeNumeric},
	{Code: "5090", Name: "HEIGHT (CM)", Datatype: logic.DatatypeNumeric},
	{Code: "856", Name: "HIV VIRAL LOAD", Datatype: logic.DatatypeNumeric},
	{Code: "1040", Name: "HIV RAPID TEST", Datatype: logic.DatatypeCoded},
	{Code: "6042", Name: "PROBLEM ADDED", Datatype: logic.DatatypeCoded},
	{Code: "6097", Name: "PROBLEM RESOLVED", Datatype: logic.DatatypeCoded},
	{Code: "1065", Name: "YES", Datatype: logic.DatatypeNone},
	{Code: "1066", Name: "NO", Datatype: logic.DatatypeNone},
	{Code: "703", Name: "POSITIVE", Datatype: logic.DatatypeNone},
	{Code: "664", Name: "NEGATIVE", Datatype: logic.DatatypeNone},
	{Code: "138405", Name: "HIV INFECTED", Datatype: logic.DatatypeNone},
	{Code: "1255", Name: "ANTIRETROVIRAL PLAN", Datatype: logic.DatatypeCoded},
	{Code: "161011", Name: "FREE TEXT COMMENT", Datatype: logic.DatatypeText},
	{Code: "1427", Name: "DATE OF LAST MENSTRUAL PERIOD", Datatype: logic.DatatypeDatetime},
}

// Dictionary resolves concept names and codes, case-insensitively.
type Dictionary struct {
	mu    sync.RWMutex
	byKey map[string]Concept
	names map[string]string
}

// NewDictionary creates a dictionary holding the given concepts.
func NewDictionary(concepts ...Concept) *Dictionary {
	d := &Dictionary{
		byKey: make(map[string]Concept),
		names: make(map[string]string),
	}
	for _, c := range concepts {
		d.addLocked(c)
	}
	return d
}

func (d *Dictionary) addLocked(c Concept) {
	c.Name = strings.TrimSpace(c.Name)
	c.Code = strings.TrimSpace(c.Code)
	if c.Name == "" || c.Code == "" {
		return
	}
	d.byKey[strings.ToLower(c.Name)] = c
	d.byKey[strings.ToLower(c.Code)] = c
	d.names[strings.ToLower(c.Name)] = c.Name
}

// Add inserts or replaces a concept.
func (d *Dictionary) Add(c Concept) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addLocked(c)
}

// Lookup finds a concept by name or code.
func (d *Dictionary) Lookup(token string) (Concept, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byKey[strings.ToLower(strings.TrimSpace(token))]
	return c, ok
}

// Names returns every concept name in sorted order.
func (d *Dictionary) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.names))
	for _, n := range d.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of concepts.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.names)
}

// Load replaces the dictionary with the non-retired rows of the concept
// table. An unknown datatype name is loaded as DatatypeNone.
func (d *Dictionary) Load(ctx context.Context, db logic.Querier) (int, error) {
	rows, err := db.Query(ctx, `SELECT code, name, datatype FROM `+ConceptTable+` WHERE retired = false ORDER BY name`)
	if err != nil {
		return 0, fmt.Errorf("query concepts: %w", err)
	}
	defer rows.Close()

	var loaded []Concept
	for rows.Next() {
		var c Concept
		var dtype *string
		if err := rows.Scan(&c.Code, &c.Name, &dtype); err != nil {
			return 0, fmt.Errorf("scan concept: %w", err)
		}
		if dtype != nil {
			c.Datatype, _ = logic.ParseDatatype(*dtype)
		}
		loaded = append(loaded, c)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate concepts: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byKey = make(map[string]Concept, 2*len(loaded))
	d.names = make(map[string]string, len(loaded))
	for _, c := range loaded {
		d.addLocked(c)
	}
	return len(d.names), nil
}
