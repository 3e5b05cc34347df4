package jobs

import "github.com/OneOfOne/xxhash"

// fingerprint returns a fast, non-cryptographic digest of a persistence
// snapshot so the persistence goroutine can skip rewriting the
// GlobalProperty row when nothing has actually changed since the last
// tick — xxhash is chosen for exactly this "is this the same bytes as last
// time" check (not wire-format-mandated like the attachment MD5), matching
// the teacher's own use of it for cheap in-memory content fingerprints.
func fingerprint(b []byte) uint64 {
	return xxhash.Checksum64(b)
}
