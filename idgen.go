// idgen.go - random string generation shared by _id generation (spec.md
// §4.8) and by the serialization-hook round-trip check (spec.md §4.6).
//
// No ecosystem ID generator in the retrieved pack matches the spec's
// bespoke 16-char/62-symbol alphabet contract (google/uuid, the pack's only
// ID library, produces a different, incompatible format), so this stays on
// the standard library's crypto/rand.
package nanodb

import "crypto/rand"

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphaString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// newDocumentID returns a 16-character random identifier.
func newDocumentID() (string, error) {
	return randomAlphaString(16)
}
