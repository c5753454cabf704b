// aliases.go - backward-compatible naming, mirroring the teacher's
// compatibility.go (type Session = ModernMGO, a thin Dial wrapper).
package nanodb

// DB is an alias of Datastore for callers used to a shorter database handle
// name.
//
// Example:
//
//	db, err := nanodb.New(nanodb.WithFilename("data.db"), nanodb.WithAutoload(nil))
type DB = Datastore

// New is a thin wrapper around Open preserving a shorter constructor name.
func New(opts ...Option) (*DB, error) {
	return Open(opts...)
}
