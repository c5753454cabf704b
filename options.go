// options.go - functional-options configuration (spec.md §6).
//
// Grounded on the mongo-driver options pattern used throughout the
// teacher's modern_session.go/modern_query.go (options.Client().ApplyURI(...).
// SetX(...), options.FindOneOptions{}.SetUpsert(...)): a chain of small
// setters over one config struct. Rendered here as idiomatic Go functional
// options (WithXxx) instead of a builder struct.
package nanodb

import "go.uber.org/zap"

type config struct {
	filename              string
	inMemoryOnly          bool
	timestampData         bool
	autoload              bool
	onload                func(error)
	hooks                 SerializationHooks
	corruptAlertThreshold float64
	compareStrings        StringComparator
	logger                *zap.Logger
}

// Option configures a Datastore at construction (Open).
type Option func(*config)

// WithFilename sets the datafile path. Without it, a Datastore is
// in-memory-only.
func WithFilename(path string) Option {
	return func(c *config) { c.filename = path }
}

// WithInMemoryOnly disables persistence even if a filename is also given.
func WithInMemoryOnly() Option {
	return func(c *config) { c.inMemoryOnly = true }
}

// WithTimestampData enables automatic createdAt/updatedAt maintenance.
func WithTimestampData() Option {
	return func(c *config) { c.timestampData = true }
}

// WithAutoload enqueues a load at construction. onload, if non-nil, is
// called with the load error instead of Open returning it.
func WithAutoload(onload func(error)) Option {
	return func(c *config) {
		c.autoload = true
		c.onload = onload
	}
}

// WithSerializationHooks installs bijective per-line text transforms
// between in-memory records and the bytes written to disk.
func WithSerializationHooks(after, before func(string) string) Option {
	return func(c *config) { c.hooks = SerializationHooks{After: after, Before: before} }
}

// WithCorruptAlertThreshold overrides the default 0.1 corrupt-fraction load
// threshold.
func WithCorruptAlertThreshold(threshold float64) Option {
	return func(c *config) { c.corruptAlertThreshold = threshold }
}

// WithCompareStrings installs a custom string comparator used by sort and
// by index ordering.
func WithCompareStrings(cmp StringComparator) Option {
	return func(c *config) { c.compareStrings = cmp }
}

// WithLogger installs a structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}
