// Package artifact stores node results out of band so large payloads move
// between nodes, tasks and delegates by reference instead of by value.
//
// References are content addressed: putting the same bytes twice yields
// the same Ref, which makes Put idempotent across retries.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get for an unknown reference.
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidRef is returned for references that are not content addresses.
var ErrInvalidRef = errors.New("invalid artifact reference")

// refPrefix marks a content-addressed reference.
const refPrefix = "sha256:"

// Ref is an opaque artifact reference.
type Ref string

// String returns the reference text.
func (r Ref) String() string { return string(r) }

// Valid reports whether r looks like a reference produced by this package.
func (r Ref) Valid() bool {
	s := string(r)
	if !strings.HasPrefix(s, refPrefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(refPrefix):])
	return err == nil && len(s) == len(refPrefix)+sha256.Size*2
}

// RefFor returns the reference data would be stored under.
func RefFor(data []byte) Ref {
	sum := sha256.Sum256(data)
	return Ref(refPrefix + hex.EncodeToString(sum[:]))
}

// Store is the artifact store contract.
type Store interface {
	// Put stores data and returns its reference.
	Put(ctx context.Context, data []byte) (Ref, error)
	// Get returns the bytes stored under ref.
	Get(ctx context.Context, ref Ref) ([]byte, error)
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
