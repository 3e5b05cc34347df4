package storage

import (
	"path/filepath"
	"strings"
)

const maxAdvancedPathLen = 255

// Layout resolves a uuid (plus optional DICOM tag hints) to a path relative
// to the storage root. DerivePath returns (relPath, true) when a non-default
// path was used — the caller must persist relPath as custom-data so Read
// never needs the tags again (spec §4.1).
type Layout interface {
	DerivePath(uuid string, ctype ContentType, tags map[string]string) (relPath string, advanced bool)
}

// DefaultLayout is the reference two-level fan-out: <uuid[0:2]>/<uuid[2:4]>/<uuid>.
type DefaultLayout struct{}

func (DefaultLayout) relPath(uuid string) string {
	if len(uuid) < 4 {
		return uuid
	}
	return filepath.Join(uuid[0:2], uuid[2:4], uuid)
}

func (d DefaultLayout) DerivePath(uuid string, _ ContentType, _ map[string]string) (string, bool) {
	return d.relPath(uuid), false
}

// AdvancedLayout derives a path from DICOM tags (e.g.
// "<StudyDate>/<PatientID>/<SeriesUID>/<uuid>.dcm"), refusing (falling back
// to DefaultLayout) any derived path that would escape the storage root
// after canonicalization, or that exceeds MaxLen.
type AdvancedLayout struct {
	// Template fields read, in order, from tags to build path segments.
	TagOrder []string
	MaxLen   int
}

func NewAdvancedLayout(tagOrder []string, maxLen int) *AdvancedLayout {
	if maxLen <= 0 {
		maxLen = maxAdvancedPathLen
	}
	return &AdvancedLayout{TagOrder: tagOrder, MaxLen: maxLen}
}

func (l *AdvancedLayout) DerivePath(uuid string, ctype ContentType, tags map[string]string) (string, bool) {
	raw := make([]string, 0, len(l.TagOrder)+1)
	for _, k := range l.TagOrder {
		raw = append(raw, tags[k])
	}
	if !isWithinRoot(filepath.Join(append(raw, uuid)...)) {
		return DefaultLayout{}.relPath(uuid), false
	}
	segs := make([]string, 0, len(l.TagOrder)+1)
	for _, k := range l.TagOrder {
		v := sanitizeSegment(tags[k])
		if v == "" {
			v = "Unknown"
		}
		segs = append(segs, v)
	}
	ext := ".bin"
	if ctype == ContentDicom {
		ext = ".dcm"
	}
	segs = append(segs, uuid+ext)
	rel := filepath.Join(segs...)

	if len(rel) > l.MaxLen {
		return DefaultLayout{}.relPath(uuid), false
	}
	if !isWithinRoot(rel) {
		return DefaultLayout{}.relPath(uuid), false
	}
	return rel, true
}

// sanitizeSegment strips path separators and ".." components a malicious or
// malformed DICOM tag value might contain.
func sanitizeSegment(v string) string {
	v = strings.ReplaceAll(v, "/", "_")
	v = strings.ReplaceAll(v, "\\", "_")
	v = strings.ReplaceAll(v, "..", "_")
	v = strings.TrimSpace(v)
	return v
}

// isWithinRoot reports whether the lexically-cleaned rel still refers to a
// path under the root, i.e. it never begins with "../" after Clean.
func isWithinRoot(rel string) bool {
	cleaned := filepath.Clean(rel)
	return cleaned != ".." && !strings.HasPrefix(cleaned, ".."+string(filepath.Separator))
}
