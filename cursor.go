// cursor.go - the fluent find/sort/skip/limit/projection builder
// (spec.md §4.8's post-match pipeline).
//
// Grounded on the teacher's ModernQ: Find returns a chainable object whose
// terminal methods (Exec, One, Count) are the only place a query actually
// runs, so Sort/Skip/Limit/Select can be composed in any order beforehand.
package nanodb

import "sort"

// SortSpec orders results by one field, ascending unless Desc is set.
type SortSpec struct {
	Field string
	Desc  bool
}

// Cursor is a not-yet-executed query: a base query plus sort/skip/limit/
// projection refinements, all applied when a terminal method runs.
type Cursor struct {
	ds         *Datastore
	query      Value
	sortSpecs  []SortSpec
	skip       int
	limit      int
	hasLimit   bool
	projection Value
}

// Find begins a cursor over every live document matching query.
func (ds *Datastore) Find(query Value) *Cursor {
	return &Cursor{ds: ds, query: query}
}

// Sort appends a sort key; earlier calls take precedence over later ones.
func (c *Cursor) Sort(field string, desc bool) *Cursor {
	c.sortSpecs = append(c.sortSpecs, SortSpec{Field: field, Desc: desc})
	return c
}

// Skip discards the first n results after sorting.
func (c *Cursor) Skip(n int) *Cursor {
	c.skip = n
	return c
}

// Limit caps the result count after skipping.
func (c *Cursor) Limit(n int) *Cursor {
	c.limit = n
	c.hasLimit = true
	return c
}

// Projection restricts which fields of each result are returned.
func (c *Cursor) Projection(projection Value) *Cursor {
	c.projection = projection
	return c
}

// Exec runs the query and returns the final, paginated, projected result
// set.
func (c *Cursor) Exec() ([]Value, error) {
	var out []Value
	err := c.ds.execSync(false, func() error {
		docs, err := c.ds.find(c.query)
		if err != nil {
			return err
		}
		docs = c.applySort(docs)
		docs = c.applyPage(docs)
		out, err = c.applyProjection(docs)
		return err
	})
	return out, err
}

// One runs the query as if Limit(1) were set and returns the first result,
// or ErrNotFound if there isn't one.
func (c *Cursor) One() (Value, error) {
	c.limit = 1
	c.hasLimit = true
	results, err := c.Exec()
	if err != nil {
		return Value{}, err
	}
	if len(results) == 0 {
		return Value{}, ErrNotFound
	}
	return results[0], nil
}

// Count reports how many documents the base query matches, ignoring sort,
// skip, limit, and projection.
func (c *Cursor) Count() (int, error) {
	return c.ds.Count(c.query)
}

func (c *Cursor) applySort(docs []Value) []Value {
	if len(c.sortSpecs) == 0 {
		return docs
	}
	strCmp := c.ds.strCmp
	sorted := append([]Value(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, spec := range c.sortSpecs {
			a := GetDotValue(sorted[i], spec.Field)
			b := GetDotValue(sorted[j], spec.Field)
			cmp := CompareWith(strCmp, a, b)
			if spec.Desc {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	return sorted
}

func (c *Cursor) applyPage(docs []Value) []Value {
	if c.skip > 0 {
		if c.skip >= len(docs) {
			return nil
		}
		docs = docs[c.skip:]
	}
	if c.hasLimit && c.limit < len(docs) {
		if c.limit <= 0 {
			return nil
		}
		docs = docs[:c.limit]
	}
	return docs
}

func (c *Cursor) applyProjection(docs []Value) ([]Value, error) {
	if c.projection.Kind() != KindObject {
		return docs, nil
	}
	out := make([]Value, len(docs))
	for i, doc := range docs {
		projected, err := ApplyProjection(doc, c.projection)
		if err != nil {
			return nil, err
		}
		out[i] = projected
	}
	return out, nil
}

// FindOne is shorthand for Find(query).Projection(projection).One().
func (ds *Datastore) FindOne(query, projection Value) (Value, error) {
	return ds.Find(query).Projection(projection).One()
}
