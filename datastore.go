// datastore.go - the composition root (spec.md §4.8): _id/timestamp
// preparation, candidate selection, and the public Insert/Update/Remove/
// Find/Count/EnsureIndex API, every call serialized through the Executor.
//
// Grounded on the teacher's ModernCollection, the single type through which
// every driver call is funneled (find/insert/update/delete all hang off one
// receiver backed by one underlying *mongo.Collection); here that receiver
// owns the in-memory document map, every Index, the Persistence log, and the
// Executor instead of a wire connection.
package nanodb

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Datastore is one collection: an append-only log on disk (unless
// in-memory-only), the live document set, and every field index built over
// it. All mutating and reading operations are serialized by an internal
// Executor, so a Datastore is safe for concurrent use.
type Datastore struct {
	persistence *Persistence
	executor    *Executor
	strCmp      StringComparator
	logger      *zap.Logger

	timestampData bool

	indexes    map[string]*Index
	indexOrder []string // non-_id field names, in EnsureIndex creation order
	docs       map[string]Value
	order      []string // live _ids, first-insertion order

	autocompactStop chan struct{}
}

// minAutocompactInterval is the floor spec.md §4.6 places on autocompaction:
// requested intervals below it are clamped up.
const minAutocompactInterval = 5 * time.Second

// UpdateOptions controls Update's matching and return behavior.
type UpdateOptions struct {
	Multi             bool
	Upsert            bool
	ReturnUpdatedDocs bool
}

// Open constructs a Datastore per the given options. With WithAutoload, a
// load is enqueued immediately; without it, the caller must call Load before
// any other operation will run (earlier calls simply buffer).
func Open(opts ...Option) (*Datastore, error) {
	cfg := &config{corruptAlertThreshold: defaultCorruptAlertThreshold, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.filename == "" {
		cfg.inMemoryOnly = true
	}

	persist, err := NewPersistence(cfg.filename, cfg.inMemoryOnly, cfg.hooks, cfg.corruptAlertThreshold, cfg.logger)
	if err != nil {
		return nil, err
	}

	strCmp := cfg.compareStrings
	if strCmp == nil {
		strCmp = defaultStringCompare
	}

	ds := &Datastore{
		persistence:   persist,
		executor:      NewExecutor(),
		strCmp:        strCmp,
		logger:        cfg.logger,
		timestampData: cfg.timestampData,
		indexes: map[string]*Index{
			"_id": NewIndex(IndexOptions{FieldName: "_id", Unique: true}, strCmp),
		},
		docs: make(map[string]Value),
	}

	if cfg.inMemoryOnly {
		ds.executor.SetReady()
		return ds, nil
	}
	if cfg.autoload {
		if err := ds.Load(); err != nil {
			if cfg.onload != nil {
				cfg.onload(err)
				return ds, nil
			}
			return nil, err
		}
	}
	return ds, nil
}

// Events returns the emitter that fires compaction.done after every full
// rewrite of the datafile, load-time or explicit.
func (ds *Datastore) Events() *EventEmitter { return ds.persistence.Events() }

// Close stops accepting new operations. Already-queued operations still run.
func (ds *Datastore) Close() {
	ds.StopAutocompaction()
	ds.executor.Close()
}

// SetAutocompactionInterval starts a periodic timer that calls Compact at
// the given interval, clamped up to a 5 second minimum. Calling it again
// replaces any previously running timer.
func (ds *Datastore) SetAutocompactionInterval(interval time.Duration) {
	if interval < minAutocompactInterval {
		interval = minAutocompactInterval
	}
	ds.StopAutocompaction()
	stop := make(chan struct{})
	ds.autocompactStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ds.Compact(); err != nil {
					ds.logger.Warn("autocompaction failed", zap.Error(err))
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopAutocompaction stops a timer started by SetAutocompactionInterval. A
// no-op if none is running.
func (ds *Datastore) StopAutocompaction() {
	if ds.autocompactStop != nil {
		close(ds.autocompactStop)
		ds.autocompactStop = nil
	}
}

// execSync pushes fn onto the Executor and blocks until it has run,
// propagating its error. force lets the load operation itself bypass the
// pre-ready buffer. Returns ErrClosed without running fn if Close has
// already been called.
func (ds *Datastore) execSync(force bool, fn func() error) error {
	done := make(chan error, 1)
	if !ds.executor.Push(func() { done <- fn() }, force) {
		return ErrClosed
	}
	return <-done
}

// Load resets all in-memory state and replays the datafile, rebuilding every
// index in the process, then compacts and releases any operations that were
// buffered awaiting load. An in-memory-only store has no datafile to
// replay, so Load leaves it empty: every document and every non-_id index
// is dropped.
func (ds *Datastore) Load() error {
	return ds.execSync(true, func() error {
		if !ds.persistence.inMemoryOnly {
			if err := ensureParentDir(ds.persistence.filename); err != nil {
				return err
			}
		}
		res, err := ds.persistence.LoadDatabase()
		if err != nil {
			return err
		}

		indexes := map[string]*Index{"_id": NewIndex(IndexOptions{FieldName: "_id", Unique: true}, ds.strCmp)}
		var indexOrder []string
		for _, opts := range res.IndexDefs {
			indexes[opts.FieldName] = NewIndex(opts, ds.strCmp)
			indexOrder = append(indexOrder, opts.FieldName)
		}

		for _, id := range res.Order {
			doc := res.Docs[id]
			for _, idx := range indexes {
				if err := idx.Insert(doc); err != nil {
					return err
				}
			}
		}

		ds.indexes = indexes
		ds.indexOrder = indexOrder
		ds.docs = res.Docs
		ds.order = res.Order

		if err := ds.compact(); err != nil {
			return err
		}
		ds.executor.ProcessBuffer()
		return nil
	})
}

func ensureParentDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// compact rewrites the datafile from the current live document set and
// index definitions, in deterministic (insertion/creation) order.
func (ds *Datastore) compact() error {
	docs := make([]Value, 0, len(ds.order))
	for _, id := range ds.order {
		docs = append(docs, ds.docs[id])
	}
	indexOpts := make([]IndexOptions, 0, len(ds.indexOrder))
	for _, fieldName := range ds.indexOrder {
		idx := ds.indexes[fieldName]
		indexOpts = append(indexOpts, IndexOptions{
			FieldName:          idx.FieldName(),
			Unique:             idx.Unique(),
			Sparse:             idx.Sparse(),
			HasTTL:             idx.hasTTL,
			ExpireAfterSeconds: idx.expireAfterSeconds,
		})
	}
	return ds.persistence.PersistCachedDatabase(docs, indexOpts)
}

// Compact forces an immediate full rewrite of the datafile.
func (ds *Datastore) Compact() error {
	return ds.execSync(false, ds.compact)
}

// EnsureIndex creates (or is a no-op for an already-indexed field) an index
// on fieldName. Building it against existing documents can fail with a
// *UniqueViolationError if opts.Unique and the existing data already
// collides.
func (ds *Datastore) EnsureIndex(opts IndexOptions) error {
	if opts.FieldName == "" {
		return &KeyValidationError{Field: opts.FieldName}
	}
	return ds.execSync(false, func() error {
		if _, exists := ds.indexes[opts.FieldName]; exists {
			return nil
		}
		idx := NewIndex(opts, ds.strCmp)
		for _, id := range ds.order {
			if err := idx.Insert(ds.docs[id]); err != nil {
				return err
			}
		}
		ds.indexes[opts.FieldName] = idx
		ds.indexOrder = append(ds.indexOrder, opts.FieldName)
		rec := newIndexCreatedRecord(opts.FieldName, opts.Unique, opts.Sparse, opts.ExpireAfterSeconds, opts.HasTTL)
		return ds.persistence.PersistNewState([]Value{rec})
	})
}

// RemoveIndex drops the index on fieldName, if any.
func (ds *Datastore) RemoveIndex(fieldName string) error {
	return ds.execSync(false, func() error {
		if _, exists := ds.indexes[fieldName]; !exists {
			return nil
		}
		delete(ds.indexes, fieldName)
		for i, fn := range ds.indexOrder {
			if fn == fieldName {
				ds.indexOrder = append(ds.indexOrder[:i], ds.indexOrder[i+1:]...)
				break
			}
		}
		return ds.persistence.PersistNewState([]Value{newIndexRemovedRecord(fieldName)})
	})
}

// prepareInsert deep-copies doc, assigns a fresh _id if none is present,
// stamps createdAt/updatedAt when timestampData is enabled, and validates
// every key.
func (ds *Datastore) prepareInsert(doc Value) (Value, error) {
	prepared := DeepCopy(doc, false)
	if prepared.Kind() != KindObject {
		return Value{}, &ModifierError{Op: "insert", Reason: "document must be an object"}
	}
	obj := prepared.AsObject()
	if id, ok := obj.Get("_id"); !ok || id.Kind() != KindString || id.AsString() == "" {
		for {
			newID, err := newDocumentID()
			if err != nil {
				return Value{}, err
			}
			if _, taken := ds.docs[newID]; !taken {
				obj = obj.Set("_id", String(newID))
				break
			}
		}
	}
	if ds.timestampData {
		now := Date(time.Now().UnixMilli())
		if _, ok := obj.Get("createdAt"); !ok {
			obj = obj.Set("createdAt", now)
		}
		if _, ok := obj.Get("updatedAt"); !ok {
			obj = obj.Set("updatedAt", now)
		}
	}
	prepared = Object(obj)
	if err := ValidateKeysDeep(prepared); err != nil {
		return Value{}, err
	}
	return prepared, nil
}

// insertIntoIndexes adds doc to every index, reverting all already-touched
// indexes if any one rejects it (spec.md §4.4's all-or-nothing insert).
// The _id index is tried first, so a duplicate _id is rejected before any
// other index is touched (reverting one would drop the entries of the
// document that already owns that _id).
func (ds *Datastore) insertIntoIndexes(doc Value) error {
	ordered := []*Index{ds.indexes["_id"]}
	for name, idx := range ds.indexes {
		if name != "_id" {
			ordered = append(ordered, idx)
		}
	}
	touched := make([]*Index, 0, len(ordered))
	for _, idx := range ordered {
		if err := idx.Insert(doc); err != nil {
			for _, done := range touched {
				done.Remove(doc)
			}
			return err
		}
		touched = append(touched, idx)
	}
	return nil
}

func (ds *Datastore) removeFromIndexes(doc Value) {
	for _, idx := range ds.indexes {
		idx.Remove(doc)
	}
}

// updateIndexes replaces oldDoc's entries with newDoc's across every index,
// reverting all already-updated indexes if one rejects newDoc.
func (ds *Datastore) updateIndexes(oldDoc, newDoc Value) error {
	touched := make([]*Index, 0, len(ds.indexes))
	for _, idx := range ds.indexes {
		if err := idx.Update(oldDoc, newDoc); err != nil {
			for _, done := range touched {
				done.Update(newDoc, oldDoc)
			}
			return err
		}
		touched = append(touched, idx)
	}
	return nil
}

// Insert adds one document, assigning it a fresh _id if it doesn't carry
// one, and returns the stored copy. If appending to the datafile fails, the
// error is returned but the document stays in memory and in the indexes.
func (ds *Datastore) Insert(doc Value) (Value, error) {
	var result Value
	err := ds.execSync(false, func() error {
		prepared, err := ds.prepareInsert(doc)
		if err != nil {
			return err
		}
		if err := ds.insertIntoIndexes(prepared); err != nil {
			return err
		}
		id, _ := recordID(prepared)
		ds.docs[id] = prepared
		ds.order = append(ds.order, id)
		if err := ds.persistence.PersistNewState([]Value{prepared}); err != nil {
			return err
		}
		result = DeepCopy(prepared, false)
		return nil
	})
	return result, err
}

// InsertMany adds every document in docsIn as a single atomic batch: if any
// document fails preparation or an index rejects it, nothing in the batch is
// committed. If appending to the datafile fails, the error is returned but
// the batch stays in memory and in the indexes.
func (ds *Datastore) InsertMany(docsIn []Value) ([]Value, error) {
	var results []Value
	err := ds.execSync(false, func() error {
		prepared := make([]Value, 0, len(docsIn))
		for _, d := range docsIn {
			p, err := ds.prepareInsert(d)
			if err != nil {
				return err
			}
			prepared = append(prepared, p)
		}
		type touch struct {
			idx *Index
			doc Value
		}
		var touched []touch
		for _, p := range prepared {
			if err := ds.insertIntoIndexes(p); err != nil {
				for i := len(touched) - 1; i >= 0; i-- {
					touched[i].idx.Remove(touched[i].doc)
				}
				return err
			}
			for _, idx := range ds.indexes {
				touched = append(touched, touch{idx, p})
			}
		}
		for _, p := range prepared {
			id, _ := recordID(p)
			ds.docs[id] = p
			ds.order = append(ds.order, id)
		}
		if err := ds.persistence.PersistNewState(prepared); err != nil {
			return err
		}
		results = make([]Value, len(prepared))
		for i, p := range prepared {
			results[i] = DeepCopy(p, false)
		}
		return nil
	})
	return results, err
}

// candidates implements the index-assisted candidate selection of
// spec.md §4.8: a point-equality match against an indexed field, then a
// $in disjunction against an indexed field, then a bounded range scan
// against an indexed field, falling back to a full scan.
func (ds *Datastore) candidates(query Value) []Value {
	if query.Kind() == KindObject {
		for _, p := range query.AsObject() {
			if p.Value.IsPrimitive() {
				if idx, ok := ds.indexes[p.Key]; ok {
					return ds.docsFor(idx.GetMatching(p.Value))
				}
			}
		}
		for _, p := range query.AsObject() {
			if p.Value.Kind() != KindObject {
				continue
			}
			inVal, ok := p.Value.AsObject().Get("$in")
			if !ok || inVal.Kind() != KindArray {
				continue
			}
			idx, ok := ds.indexes[p.Key]
			if !ok {
				continue
			}
			seen := make(map[string]bool)
			var ids []string
			for _, v := range inVal.AsArray() {
				for _, id := range idx.GetMatching(v) {
					if !seen[id] {
						seen[id] = true
						ids = append(ids, id)
					}
				}
			}
			return ds.docsFor(ids)
		}
		for _, p := range query.AsObject() {
			if p.Value.Kind() != KindObject {
				continue
			}
			idx, ok := ds.indexes[p.Key]
			if !ok {
				continue
			}
			var min, max Value
			hasMin, hasMax, minIncl, maxIncl := false, false, false, false
			found := false
			for _, op := range p.Value.AsObject() {
				switch op.Key {
				case "$gt":
					min, hasMin, minIncl, found = op.Value, true, false, true
				case "$gte":
					min, hasMin, minIncl, found = op.Value, true, true, true
				case "$lt":
					max, hasMax, maxIncl, found = op.Value, true, false, true
				case "$lte":
					max, hasMax, maxIncl, found = op.Value, true, true, true
				}
			}
			if found {
				return ds.docsFor(idx.Range(min, hasMin, minIncl, max, hasMax, maxIncl))
			}
		}
	}
	docs := make([]Value, 0, len(ds.order))
	for _, id := range ds.order {
		docs = append(docs, ds.docs[id])
	}
	return docs
}

func (ds *Datastore) docsFor(ids []string) []Value {
	out := make([]Value, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if doc, ok := ds.docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out
}

// evictExpired drops every document past its TTL deadline from the live
// set, returning candidates with those documents filtered out. A no-op if
// no TTL index exists.
func (ds *Datastore) evictExpired(candidates []Value) []Value {
	now := time.Now().UnixMilli()
	removedIDs := make(map[string]bool)
	for _, idx := range ds.indexes {
		if !idx.hasTTL {
			continue
		}
		for _, id := range idx.ExpiredIDs(now) {
			if removedIDs[id] {
				continue
			}
			doc, ok := ds.docs[id]
			if !ok {
				continue
			}
			removedIDs[id] = true
			if err := ds.removeDoc(doc); err != nil {
				ds.logger.Warn("ttl eviction failed to persist tombstone", zap.String("id", id), zap.Error(err))
			}
		}
	}
	if len(removedIDs) == 0 {
		return candidates
	}
	filtered := candidates[:0]
	for _, doc := range candidates {
		id, _ := recordID(doc)
		if !removedIDs[id] {
			filtered = append(filtered, doc)
		}
	}
	return filtered
}

func (ds *Datastore) removeDoc(doc Value) error {
	id, ok := recordID(doc)
	if !ok {
		return nil
	}
	ds.removeFromIndexes(doc)
	delete(ds.docs, id)
	for i, oid := range ds.order {
		if oid == id {
			ds.order = append(ds.order[:i], ds.order[i+1:]...)
			break
		}
	}
	return ds.persistence.PersistNewState([]Value{newTombstone(id)})
}

func matchAll(docs []Value, query Value) ([]Value, error) {
	var matches []Value
	for _, doc := range docs {
		ok, err := Match(doc, query)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, doc)
		}
	}
	return matches, nil
}

// Count returns the number of live documents matching query.
func (ds *Datastore) Count(query Value) (int, error) {
	var n int
	err := ds.execSync(false, func() error {
		matches, err := matchAll(ds.evictExpired(ds.candidates(query)), query)
		if err != nil {
			return err
		}
		n = len(matches)
		return nil
	})
	return n, err
}

// find runs query synchronously (caller already holds the executor slot via
// execSync) and returns matching documents, deep-copied, in candidate order:
// first-insertion order for a full scan, index key order when an index
// serves the query.
func (ds *Datastore) find(query Value) ([]Value, error) {
	matches, err := matchAll(ds.evictExpired(ds.candidates(query)), query)
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(matches))
	for i, m := range matches {
		out[i] = DeepCopy(m, false)
	}
	return out, nil
}

// Update applies updateQuery to every document (or just the first, unless
// opts.Multi) matching query. With opts.Upsert and no match, one document is
// inserted instead: updateQuery as a base if it is a whole-document
// replacement, or its modifiers applied over query's literal fields
// otherwise. Returns the number of documents affected, and — when
// opts.ReturnUpdatedDocs or an upsert occurred — the resulting document(s).
// If appending to the datafile fails, the error is returned but the new
// versions stay in memory and in the indexes.
func (ds *Datastore) Update(query, updateQuery Value, opts UpdateOptions) (int, []Value, bool, error) {
	var numAffected int
	var resultDocs []Value
	var upserted bool
	err := ds.execSync(false, func() error {
		matches, err := matchAll(ds.evictExpired(ds.candidates(query)), query)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			if !opts.Upsert {
				return nil
			}
			doc, err := ds.upsertBase(query, updateQuery)
			if err != nil {
				return err
			}
			prepared, err := ds.prepareInsert(doc)
			if err != nil {
				return err
			}
			if err := ds.insertIntoIndexes(prepared); err != nil {
				return err
			}
			id, _ := recordID(prepared)
			ds.docs[id] = prepared
			ds.order = append(ds.order, id)
			if err := ds.persistence.PersistNewState([]Value{prepared}); err != nil {
				return err
			}
			upserted = true
			numAffected = 1
			resultDocs = []Value{DeepCopy(prepared, false)}
			return nil
		}

		if !opts.Multi {
			matches = matches[:1]
		}
		newDocs := make([]Value, len(matches))
		for i, old := range matches {
			newDoc, err := Modify(old, updateQuery)
			if err != nil {
				return err
			}
			if ds.timestampData {
				obj := newDoc.AsObject().Set("updatedAt", Date(time.Now().UnixMilli()))
				newDoc = Object(obj)
			}
			newDocs[i] = newDoc
		}

		applied := 0
		for i, old := range matches {
			if err := ds.updateIndexes(old, newDocs[i]); err != nil {
				for j := 0; j < applied; j++ {
					ds.updateIndexes(newDocs[j], matches[j])
				}
				return err
			}
			applied++
		}
		for i, old := range matches {
			id, _ := recordID(old)
			ds.docs[id] = newDocs[i]
		}
		if err := ds.persistence.PersistNewState(newDocs); err != nil {
			return err
		}
		numAffected = len(newDocs)
		if opts.ReturnUpdatedDocs {
			resultDocs = make([]Value, len(newDocs))
			for i, d := range newDocs {
				resultDocs[i] = DeepCopy(d, false)
			}
		}
		return nil
	})
	return numAffected, resultDocs, upserted, err
}

// upsertBase builds the document an upsert inserts when nothing matched
// query: the update's replacement body verbatim, or the query's literal
// equality fields with updateQuery's modifiers applied over them.
func (ds *Datastore) upsertBase(query, updateQuery Value) (Value, error) {
	hasMod := false
	if updateQuery.Kind() == KindObject {
		for _, p := range updateQuery.AsObject() {
			if len(p.Key) > 0 && p.Key[0] == '$' {
				hasMod = true
				break
			}
		}
	}
	if !hasMod {
		return DeepCopy(updateQuery, false), nil
	}
	base := DeepCopy(query, true)
	return Modify(base, updateQuery)
}

// Remove deletes every document (or just the first, unless multi) matching
// query, and returns the number removed. TTL eviction is not run first,
// matching spec.md §4.8 ("gather candidates, not expiring stale docs
// first"). If appending the tombstones fails, the error is returned but the
// documents stay removed from memory and from the indexes.
func (ds *Datastore) Remove(query Value, multi bool) (int, error) {
	var n int
	err := ds.execSync(false, func() error {
		matches, err := matchAll(ds.candidates(query), query)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return nil
		}
		if !multi {
			matches = matches[:1]
		}
		tombstones := make([]Value, 0, len(matches))
		toRemove := make(map[string]bool, len(matches))
		for _, doc := range matches {
			id, ok := recordID(doc)
			if !ok {
				continue
			}
			ds.removeFromIndexes(doc)
			delete(ds.docs, id)
			toRemove[id] = true
			tombstones = append(tombstones, newTombstone(id))
		}
		filtered := ds.order[:0]
		for _, id := range ds.order {
			if !toRemove[id] {
				filtered = append(filtered, id)
			}
		}
		ds.order = filtered
		if err := ds.persistence.PersistNewState(tombstones); err != nil {
			return err
		}
		n = len(matches)
		return nil
	})
	return n, err
}
