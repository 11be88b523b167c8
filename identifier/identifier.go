// Package identifier generates the opaque identifiers used throughout the engine:
// UUID-v7 change/snapshot/commit ids, and the reserved "no-content" sentinel.
package identifier

import (
	"encoding/binary"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"
)

// NoContent is the reserved sentinel snapshot id representing "no body"
// (a tombstone, or a change with a null value).
const NoContent = "no-content"

// keyRegex matches x-lix-key: lowercase snake_case starting with a letter.
var keyRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidKey reports whether key is a valid x-lix-key.
func ValidKey(key string) bool {
	return keyRegex.MatchString(key)
}

// Factory produces UUID-v7 identifiers. In non-deterministic mode it is a thin
// wrapper around the OS clock and crypto/rand via google/uuid. In deterministic
// mode it is a pure function of a persisted monotonic sequence head plus a
// caller-supplied start time (spec.md §5, §9): the OS clock is never read on
// the hot path.
type Factory struct {
	mu            sync.Mutex
	deterministic bool
	startTime     time.Time
	seq           uint64
}

// NewFactory returns a non-deterministic factory backed by the OS clock and CSPRNG.
func NewFactory() *Factory {
	return &Factory{} //nolint:exhaustruct
}

// NewDeterministicFactory returns a factory seeded from a persisted sequence head
// and a caller-supplied start time. Calling New() repeatedly against the same
// startTime and an increasing seq reproduces the same sequence of ids across
// process restarts, which is what "replayed on reopen" (spec.md §5) requires.
func NewDeterministicFactory(startTime time.Time, seqHead uint64) *Factory {
	return &Factory{ //nolint:exhaustruct
		deterministic: true,
		startTime:     startTime,
		seq:           seqHead,
	}
}

// SeqHead returns the current sequence head, to be persisted by the caller
// (commit runtime) so it can be replayed on the next boot.
func (f *Factory) SeqHead() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// New returns a new UUID-v7 identifier as a string.
func (f *Factory) New() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.deterministic {
		id, err := uuid.NewV7()
		if err != nil {
			// crypto/rand failing is not something callers can recover from.
			panic(err)
		}
		return id.String()
	}

	f.seq++
	return deterministicUUIDv7(f.startTime, f.seq).String()
}

// deterministicUUIDv7 builds a UUID-v7 whose 48-bit timestamp field is derived
// from startTime and whose random fields are derived from seq, so that the
// same (startTime, seq) pair always produces the same id.
func deterministicUUIDv7(startTime time.Time, seq uint64) uuid.UUID {
	var id uuid.UUID

	ms := uint64(startTime.UnixMilli()) + seq // nolint:gosec
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	copy(id[0:6], tsBuf[2:8])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	copy(id[6:8], seqBuf[0:2])
	copy(id[8:16], seqBuf[0:8])

	id[6] = (id[6] & 0x0F) | 0x70 // version 7
	id[8] = (id[8] & 0x3F) | 0x80 // RFC 4122 variant

	return id
}

// Valid reports whether id is a syntactically valid UUID, or the reserved
// "no-content" sentinel.
func Valid(id string) bool {
	if id == NoContent {
		return true
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ErrInvalid is returned when a string does not parse as a valid identifier.
var ErrInvalid = errors.Base("invalid identifier")

// Parse validates id, returning ErrInvalid if it is neither a UUID nor NoContent.
func Parse(id string) (string, errors.E) {
	if !Valid(id) {
		errE := errors.WithStack(ErrInvalid)
		errors.Details(errE)["id"] = id
		return "", errE
	}
	return id, nil
}
