// persistence.go - append-log writer, full-rewrite compactor, and load-time
// replay (spec.md §4.6).
//
// The temp-file compaction sequence is grounded on jpl-au-folio's Repair
// (build the new file in full, fsync, then swap handles); debug-level
// logging of each compaction's written size is grounded on the teacher's
// DebugConversion package-global toggle in modern_utils.go, generalized
// into structured go.uber.org/zap fields instead of a bool.
package nanodb

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	hookValidationRounds         = 300
	defaultCorruptAlertThreshold = 0.1
)

// SerializationHooks are bijective per-line text transforms applied between
// in-memory records and the bytes written to disk (e.g. for encryption).
// Both fields must be set together, or neither.
type SerializationHooks struct {
	After  func(string) string
	Before func(string) string
}

// LoadResult is the outcome of folding a datafile per spec.md §4.6/§3.
type LoadResult struct {
	Docs         map[string]Value
	Order        []string
	IndexDefs    []IndexOptions
	CorruptItems int
	TotalLines   int
}

// Persistence implements C6: the append log, the full-rewrite compactor, and
// load-time replay.
type Persistence struct {
	filename              string
	inMemoryOnly          bool
	hooks                 SerializationHooks
	hasHooks              bool
	corruptAlertThreshold float64
	logger                *zap.Logger
	events                *EventEmitter
}

// NewPersistence validates configuration and returns a ready Persistence.
// It refuses filenames ending in "~", refuses a one-sided hook pair, and
// runs the 300-round-trip hook validation of spec.md §4.6/§8.
func NewPersistence(filename string, inMemoryOnly bool, hooks SerializationHooks, corruptAlertThreshold float64, logger *zap.Logger) (*Persistence, error) {
	if !inMemoryOnly && strings.HasSuffix(filename, tempSuffix) {
		return nil, fmt.Errorf("%w: filename %q ends in %q", ErrConfiguration, filename, tempSuffix)
	}
	hasHooks := hooks.After != nil || hooks.Before != nil
	if hasHooks && (hooks.After == nil || hooks.Before == nil) {
		return nil, fmt.Errorf("%w: afterSerialization and beforeDeserialization must both be provided or neither", ErrConfiguration)
	}
	if hasHooks {
		if err := validateHookInverses(hooks); err != nil {
			return nil, err
		}
	}
	if corruptAlertThreshold == 0 {
		corruptAlertThreshold = defaultCorruptAlertThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persistence{
		filename:              filename,
		inMemoryOnly:          inMemoryOnly,
		hooks:                 hooks,
		hasHooks:              hasHooks,
		corruptAlertThreshold: corruptAlertThreshold,
		logger:                logger,
		events:                &EventEmitter{},
	}, nil
}

// validateHookInverses is the "bijective hook validation by 300 random
// samples" of spec.md §8 — a probabilistic guard, not a proof, preserved as
// specified rather than reduced to a smaller round count.
func validateHookInverses(hooks SerializationHooks) error {
	for i := 0; i < hookValidationRounds; i++ {
		s, err := randomAlphaString(1 + i%64)
		if err != nil {
			return err
		}
		if hooks.Before(hooks.After(s)) != s {
			return fmt.Errorf("%w: afterSerialization/beforeDeserialization are not inverses", ErrConfiguration)
		}
	}
	return nil
}

// Events exposes the compaction.done emitter.
func (p *Persistence) Events() *EventEmitter { return p.events }

func (p *Persistence) encodeLine(v Value) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	line := string(raw)
	if p.hasHooks {
		line = p.hooks.After(line)
	}
	return line, nil
}

func (p *Persistence) decodeLine(line []byte) (Value, error) {
	text := string(line)
	if p.hasHooks {
		text = p.hooks.Before(text)
	}
	return Unmarshal([]byte(text))
}

// PersistNewState appends one serialized record per entry in records,
// joined with newlines and written with a single syscall. A no-op in
// in-memory-only mode.
func (p *Persistence) PersistNewState(records []Value) error {
	if p.inMemoryOnly || len(records) == 0 {
		return nil
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		line, err := p.encodeLine(rec)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	blob := []byte(strings.Join(lines, "\n") + "\n")
	return appendBlob(p.filename, blob)
}

// LoadDatabase resets and reloads state from the datafile per spec.md §4.6.
// In-memory-only datastores have nothing to load.
func (p *Persistence) LoadDatabase() (*LoadResult, error) {
	res := &LoadResult{Docs: make(map[string]Value)}
	if p.inMemoryOnly {
		return res, nil
	}
	if err := ensureDatafileIntegrity(p.filename); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p.filename)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	indexDefs := make(map[string]IndexOptions)
	var indexOrder []string
	seenIndex := make(map[string]bool)

	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		res.TotalLines++
		v, err := p.decodeLine(line)
		if err != nil {
			res.CorruptItems++
			continue
		}
		if isTombstone(v) {
			id, _ := recordID(v)
			delete(res.Docs, id)
			continue
		}
		if id, ok := recordID(v); ok {
			if !present[id] {
				res.Order = append(res.Order, id)
			}
			res.Docs[id] = v
			present[id] = true
			continue
		}
		if body, ok := indexCreatedDef(v); ok {
			opts := decodeIndexOptions(body)
			if !seenIndex[opts.FieldName] {
				indexOrder = append(indexOrder, opts.FieldName)
				seenIndex[opts.FieldName] = true
			}
			indexDefs[opts.FieldName] = opts
			continue
		}
		if fieldName, ok := indexRemovedField(v); ok {
			delete(indexDefs, fieldName)
			continue
		}
	}

	if res.TotalLines > 0 {
		ratio := float64(res.CorruptItems) / float64(res.TotalLines)
		if ratio > p.corruptAlertThreshold {
			p.logger.Error("datafile corruption exceeds threshold",
				zap.Int("corruptItems", res.CorruptItems),
				zap.Int("totalLines", res.TotalLines),
				zap.Float64("threshold", p.corruptAlertThreshold))
			return nil, &CorruptionError{CorruptItems: res.CorruptItems, TotalLines: res.TotalLines, Threshold: p.corruptAlertThreshold}
		}
	}
	if res.CorruptItems > 0 {
		p.logger.Warn("skipped unreadable datafile lines",
			zap.Int("corruptItems", res.CorruptItems),
			zap.Int("totalLines", res.TotalLines))
	}

	filteredOrder := res.Order[:0]
	for _, id := range res.Order {
		if _, ok := res.Docs[id]; ok {
			filteredOrder = append(filteredOrder, id)
		}
	}
	res.Order = filteredOrder

	for _, fieldName := range indexOrder {
		if opts, ok := indexDefs[fieldName]; ok {
			res.IndexDefs = append(res.IndexDefs, opts)
		}
	}
	return res, nil
}

func decodeIndexOptions(body Value) IndexOptions {
	opts := IndexOptions{}
	if fn, ok := body.AsObject().Get("fieldName"); ok {
		opts.FieldName = fn.AsString()
	}
	if u, ok := body.AsObject().Get("unique"); ok {
		opts.Unique = u.AsBool()
	}
	if s, ok := body.AsObject().Get("sparse"); ok {
		opts.Sparse = s.AsBool()
	}
	if ea, ok := body.AsObject().Get("expireAfterSeconds"); ok {
		opts.HasTTL = true
		opts.ExpireAfterSeconds = int(ea.AsNumber())
	}
	return opts
}

// PersistCachedDatabase performs the full-rewrite compaction of spec.md
// §4.6: every live document plus every non-_id index definition is
// serialized and written atomically, then compaction.done fires.
func (p *Persistence) PersistCachedDatabase(docs []Value, indexOptsInOrder []IndexOptions) error {
	if p.inMemoryOnly {
		return nil
	}
	lines := make([]string, 0, len(docs)+len(indexOptsInOrder))
	for _, doc := range docs {
		line, err := p.encodeLine(doc)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	for _, opts := range indexOptsInOrder {
		rec := newIndexCreatedRecord(opts.FieldName, opts.Unique, opts.Sparse, opts.ExpireAfterSeconds, opts.HasTTL)
		line, err := p.encodeLine(rec)
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	blob := []byte(strings.Join(lines, "\n"))
	if len(blob) > 0 {
		blob = append(blob, '\n')
	}
	if err := crashSafeWriteFile(p.filename, blob); err != nil {
		return err
	}
	p.logger.Debug("compaction complete",
		zap.String("filename", p.filename),
		zap.Int("bytes", len(blob)),
		zap.Int("documents", len(docs)))
	p.events.emitCompactionDone(CompactionEvent{Filename: p.filename, Bytes: len(blob)})
	return nil
}
