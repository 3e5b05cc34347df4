package modify

import (
	"sync"

	"github.com/dcmstore/dcmstore/dcmtag"
)

// UIDRemapper ensures that, within a single modification-program run, the
// same input identifier always maps to the same fresh output identifier
// (spec §4.7 "UID remapping"), preserving cross-file references such as
// ReferencedSOPInstanceUID.
type UIDRemapper struct {
	mu  sync.Mutex
	fwd map[remapKey]string
}

type remapKey struct {
	level    dcmtag.Level
	original string
}

func NewUIDRemapper() *UIDRemapper {
	return &UIDRemapper{fwd: map[remapKey]string{}}
}

// Remap returns the output UID for (level, original), generating and
// caching a fresh one via dcmtag.NewUID on first sight.
func (u *UIDRemapper) Remap(level dcmtag.Level, original string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := remapKey{level: level, original: original}
	if mapped, ok := u.fwd[key]; ok {
		return mapped
	}
	mapped := dcmtag.NewUID()
	u.fwd[key] = mapped
	return mapped
}

// Lookup reports the previously-assigned mapping, if any, without
// creating one. ApplyToInstance does not call it; it only calls Remap.
func (u *UIDRemapper) Lookup(level dcmtag.Level, original string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.fwd[remapKey{level: level, original: original}]
	return v, ok
}
