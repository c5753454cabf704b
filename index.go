// index.go - ordered field indexes: unique/sparse/TTL variants with
// per-element array indexing (spec.md §4.4).
//
// The ordered structure is github.com/tidwall/btree's generic BTreeG, a
// dependency this pack carries in AKJUS-bsc-erigon/go.mod; a second, distinct
// tree (github.com/google/btree, non-generic, keyed Item interface) backs
// the TTL deadline structure so "find everything past its expiry" is a
// bounded ascending scan instead of a full index walk — a genuinely separate
// concern from the per-field ordered index, not a redundant second copy of
// the same data.
//
// Unique-index violations are detected by validating every key a document
// would contribute *before* mutating any tree state, so a document whose
// array field collides on its third element never leaves a partial trace
// behind for its first two — this is how the "all-or-nothing" insert
// requirement is met without needing an explicit undo log.
package nanodb

import (
	"strconv"
	"strings"

	gbtree "github.com/google/btree"
	"github.com/tidwall/btree"
)

// IndexOptions configures one field index (spec.md §4.4).
type IndexOptions struct {
	FieldName          string
	Unique             bool
	Sparse             bool
	HasTTL             bool
	ExpireAfterSeconds int
}

type treeKey struct {
	key Value
	id  string
}

func lessTreeKey(strCmp StringComparator) func(a, b treeKey) bool {
	return func(a, b treeKey) bool {
		if c := CompareWith(strCmp, a.key, b.key); c != 0 {
			return c < 0
		}
		return a.id < b.id
	}
}

type ttlItem struct {
	deadline int64
	id       string
}

func (a ttlItem) Less(than gbtree.Item) bool {
	b := than.(ttlItem)
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.id < b.id
}

// Index is one ordered field index over a collection of documents.
type Index struct {
	fieldName          string
	unique             bool
	sparse             bool
	hasTTL             bool
	expireAfterSeconds int

	tree      *btree.BTreeG[treeKey]
	docKeys   map[string][]Value
	uniqueMap map[string]string // canonicalKeyString(key) -> owning _id, unique indexes only
	ttl       *gbtree.BTree
	ttlByID   map[string]ttlItem
	strCmp    StringComparator
}

// NewIndex constructs an empty index per opts.
func NewIndex(opts IndexOptions, strCmp StringComparator) *Index {
	if strCmp == nil {
		strCmp = defaultStringCompare
	}
	idx := &Index{
		fieldName:          opts.FieldName,
		unique:             opts.Unique,
		sparse:             opts.Sparse,
		hasTTL:             opts.HasTTL,
		expireAfterSeconds: opts.ExpireAfterSeconds,
		docKeys:            make(map[string][]Value),
		strCmp:             strCmp,
	}
	idx.tree = btree.NewBTreeG(lessTreeKey(strCmp))
	if idx.unique {
		idx.uniqueMap = make(map[string]string)
	}
	if idx.hasTTL {
		idx.ttl = gbtree.New(32)
		idx.ttlByID = make(map[string]ttlItem)
	}
	return idx
}

// FieldName reports the indexed field path.
func (idx *Index) FieldName() string { return idx.fieldName }

// Unique reports whether idx enforces uniqueness.
func (idx *Index) Unique() bool { return idx.unique }

// Sparse reports whether idx skips documents missing the field.
func (idx *Index) Sparse() bool { return idx.sparse }

// Len reports how many (key, id) pairs idx currently holds.
func (idx *Index) Len() int { return idx.tree.Len() }

// canonicalKeyString gives every Value variant its own textual tag prefix,
// so scalars of different kinds never share a tag. A top-level array field
// is expanded element-wise before indexing, so an array reaches here only as
// an element of such a field; it is tagged "$array" rather than "$date", so
// a date value and an array value never collide. The tags of array and
// object members are joined without escaping.
func canonicalKeyString(v Value) string {
	switch v.Kind() {
	case KindUndefined:
		return "$undefined"
	case KindNull:
		return "$null"
	case KindBool:
		if v.AsBool() {
			return "$bool:true"
		}
		return "$bool:false"
	case KindNumber:
		return "$number:" + strconv.FormatFloat(v.AsNumber(), 'g', -1, 64)
	case KindString:
		return "$string:" + v.AsString()
	case KindDate:
		return "$date:" + strconv.FormatInt(v.AsDate(), 10)
	case KindArray:
		parts := make([]string, len(v.AsArray()))
		for i, item := range v.AsArray() {
			parts[i] = canonicalKeyString(item)
		}
		return "$array:[" + strings.Join(parts, ",") + "]"
	case KindObject:
		parts := make([]string, 0, len(v.AsObject()))
		for _, p := range v.AsObject() {
			parts = append(parts, p.Key+"="+canonicalKeyString(p.Value))
		}
		return "$object:{" + strings.Join(parts, ",") + "}"
	default:
		return "$unknown"
	}
}

// projectKeys returns the distinct keys doc contributes to this index: one
// key for a scalar field, or one key per distinct array element for an
// array field (spec.md §4.4 per-element array indexing).
func (idx *Index) projectKeys(doc Value) []Value {
	raw := GetDotValue(doc, idx.fieldName)
	var keys []Value
	if raw.Kind() == KindArray {
		seen := make(map[string]bool, len(raw.AsArray()))
		for _, elem := range raw.AsArray() {
			ck := canonicalKeyString(elem)
			if seen[ck] {
				continue
			}
			seen[ck] = true
			keys = append(keys, elem)
		}
	} else {
		keys = []Value{raw}
	}
	if idx.sparse {
		filtered := keys[:0]
		for _, k := range keys {
			if k.Kind() != KindUndefined {
				filtered = append(filtered, k)
			}
		}
		keys = filtered
	}
	return keys
}

// Insert adds doc to the index. On a unique violation no state is mutated.
func (idx *Index) Insert(doc Value) error {
	id, ok := recordID(doc)
	if !ok {
		return &KeyValidationError{Field: "_id"}
	}
	keys := idx.projectKeys(doc)
	if idx.unique {
		for _, k := range keys {
			if _, ok := idx.uniqueMap[canonicalKeyString(k)]; ok {
				return &UniqueViolationError{Field: idx.fieldName, Key: k}
			}
		}
	}
	for _, k := range keys {
		idx.tree.Set(treeKey{key: k, id: id})
		if idx.unique {
			idx.uniqueMap[canonicalKeyString(k)] = id
		}
	}
	idx.docKeys[id] = keys
	if idx.hasTTL {
		idx.indexTTLDoc(id, doc)
	}
	return nil
}

func (idx *Index) indexTTLDoc(id string, doc Value) {
	v := GetDotValue(doc, idx.fieldName)
	if v.Kind() != KindDate {
		return
	}
	item := ttlItem{deadline: v.AsDate() + int64(idx.expireAfterSeconds)*1000, id: id}
	idx.ttl.ReplaceOrInsert(item)
	idx.ttlByID[id] = item
}

// Remove drops doc's entries from the index.
func (idx *Index) Remove(doc Value) {
	id, ok := recordID(doc)
	if !ok {
		return
	}
	for _, k := range idx.docKeys[id] {
		idx.tree.Delete(treeKey{key: k, id: id})
		if idx.unique {
			ck := canonicalKeyString(k)
			if idx.uniqueMap[ck] == id {
				delete(idx.uniqueMap, ck)
			}
		}
	}
	delete(idx.docKeys, id)
	if idx.hasTTL {
		if item, ok := idx.ttlByID[id]; ok {
			idx.ttl.Delete(item)
			delete(idx.ttlByID, id)
		}
	}
}

// Update replaces oldDoc's entries with newDoc's, restoring oldDoc's entries
// if newDoc would violate a unique constraint.
func (idx *Index) Update(oldDoc, newDoc Value) error {
	idx.Remove(oldDoc)
	if err := idx.Insert(newDoc); err != nil {
		idx.Insert(oldDoc) //nolint:errcheck // oldDoc was valid a moment ago, reinserting it cannot fail
		return err
	}
	return nil
}

// KeysOf returns the keys currently indexed for id.
func (idx *Index) KeysOf(id string) []Value { return idx.docKeys[id] }

// GetMatching returns the ids of every document whose projected key equals key.
func (idx *Index) GetMatching(key Value) []string {
	var ids []string
	idx.tree.Ascend(treeKey{key: key}, func(item treeKey) bool {
		if CompareWith(idx.strCmp, item.key, key) != 0 {
			return false
		}
		ids = append(ids, item.id)
		return true
	})
	return ids
}

// Range returns the ids of every document whose projected key falls within
// [min, max] (bounds optional, each independently inclusive/exclusive),
// ascending by key. Used to serve $lt/$lte/$gt/$gte range queries from an
// index instead of a full scan.
func (idx *Index) Range(min Value, hasMin, minIncl bool, max Value, hasMax, maxIncl bool) []string {
	var ids []string
	var pivot treeKey
	if hasMin {
		pivot = treeKey{key: min}
	}
	idx.tree.Ascend(pivot, func(item treeKey) bool {
		if hasMin {
			c := CompareWith(idx.strCmp, item.key, min)
			if c < 0 || (c == 0 && !minIncl) {
				return true
			}
		}
		if hasMax {
			c := CompareWith(idx.strCmp, item.key, max)
			if c > 0 || (c == 0 && !maxIncl) {
				return false
			}
		}
		ids = append(ids, item.id)
		return true
	})
	return ids
}

// All returns every id currently indexed, in key order.
func (idx *Index) All() []string {
	var ids []string
	idx.tree.Scan(func(item treeKey) bool {
		ids = append(ids, item.id)
		return true
	})
	return ids
}

// ExpiredIDs returns the ids of every document whose TTL deadline is at or
// before now (milliseconds since epoch). Only meaningful when HasTTL.
func (idx *Index) ExpiredIDs(now int64) []string {
	var ids []string
	if !idx.hasTTL {
		return ids
	}
	idx.ttl.Ascend(func(i gbtree.Item) bool {
		item := i.(ttlItem)
		if item.deadline > now {
			return false
		}
		ids = append(ids, item.id)
		return true
	})
	return ids
}

// Reset discards every entry, keeping the index's configuration.
func (idx *Index) Reset() {
	idx.tree = btree.NewBTreeG(lessTreeKey(idx.strCmp))
	idx.docKeys = make(map[string][]Value)
	if idx.unique {
		idx.uniqueMap = make(map[string]string)
	}
	if idx.hasTTL {
		idx.ttl = gbtree.New(32)
		idx.ttlByID = make(map[string]ttlItem)
	}
}
