package flow

import (
	"fmt"
	"sort"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Table indexes flows by normalized uri. It is not safe for concurrent use; Manager guards it.
type Table struct {
	byURI       map[string]*models.Flow
	byCanonical map[string]*models.Flow
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		byURI:       make(map[string]*models.Flow),
		byCanonical: make(map[string]*models.Flow),
	}
}

// Key is the uri a flow is stored under and the value kept in a user's cursor.
// Dynamic flows are keyed by id so renaming their uri never strands users.
func Key(f *models.Flow) string {
	if f.Dynamic {
		return NormalizeURIAs(f.ID, SchemeDynamic)
	}
	return NormalizeURIAs(f.URI, SchemeStatic)
}

func (t *Table) keys(f *models.Flow) []string {
	keys := []string{Key(f)}
	if f.Dynamic && f.URI != "" {
		if alias := NormalizeURIAs(f.URI, SchemeDynamic); alias != keys[0] {
			keys = append(keys, alias)
		}
	}
	return keys
}

// Insert adds a flow. A uri already present is a duplicate.
func (t *Table) Insert(f models.Flow) error {
	flow := &f
	if Key(flow) == "" {
		return fmt.Errorf("flow without uri or id")
	}
	keys := t.keys(flow)
	for _, k := range keys {
		if _, ok := t.byURI[k]; ok {
			return fmt.Errorf("%w: %s", models.ErrDuplicateFlowURI, k)
		}
	}
	for _, k := range keys {
		t.byURI[k] = flow
	}
	if flow.CanonicalURI != "" {
		t.byCanonical[NormalizeURIAs(flow.CanonicalURI, SchemeDynamic)] = flow
	}
	return nil
}

// Remove drops the dynamic flow with the given id, if present.
func (t *Table) Remove(id string) {
	f, ok := t.byURI[NormalizeURIAs(id, SchemeDynamic)]
	if !ok || !f.Dynamic {
		return
	}
	for _, k := range t.keys(f) {
		delete(t.byURI, k)
	}
	for k, c := range t.byCanonical {
		if c == f {
			delete(t.byCanonical, k)
		}
	}
}

// Get resolves uri: exact match, then the same path as a dynamic id, then a dynamic flow whose
// canonical uri matches, then the same path as a static flow.
func (t *Table) Get(uri string) (*models.Flow, error) {
	normalized := NormalizeURI(uri)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty uri", models.ErrFlowNotFound)
	}
	if f, ok := t.byURI[normalized]; ok {
		return f, nil
	}
	dynamic := withScheme(normalized, SchemeDynamic)
	if f, ok := t.byURI[dynamic]; ok {
		return f, nil
	}
	if f, ok := t.byCanonical[dynamic]; ok {
		return f, nil
	}
	if f, ok := t.byURI[withScheme(normalized, SchemeStatic)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, uri)
}

// Flows returns every flow once, ordered by key.
func (t *Table) Flows() []models.Flow {
	seen := make(map[*models.Flow]bool)
	var out []models.Flow
	for _, f := range t.byURI {
		if !seen[f] {
			seen[f] = true
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return Key(&out[i]) < Key(&out[j]) })
	return out
}

// Len returns the number of flows.
func (t *Table) Len() int {
	return len(t.Flows())
}

// Clone returns a shallow copy sharing flow definitions.
func (t *Table) Clone() *Table {
	c := NewTable()
	for k, v := range t.byURI {
		c.byURI[k] = v
	}
	for k, v := range t.byCanonical {
		c.byCanonical[k] = v
	}
	return c
}

// BuildTable indexes static and dynamic flows together. Duplicate uris fail the whole load.
func BuildTable(static, dynamic []models.Flow) (*Table, error) {
	t := NewTable()
	for _, f := range static {
		f.Dynamic = false
		f.URI = NormalizeURIAs(f.URI, SchemeStatic)
		if err := t.Insert(f); err != nil {
			return nil, err
		}
	}
	for _, f := range dynamic {
		f.Dynamic = true
		if err := t.Insert(f); err != nil {
			return nil, err
		}
	}
	return t, nil
}
