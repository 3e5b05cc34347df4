// Package modify implements the Modification / Anonymization Engine (spec
// §4.7, component C7): a declarative modification program (removals,
// clearings, replacements, keeps, private-tag handling) applied per
// instance, plus deterministic UID remapping across one program run.
// Grounded on original_source's DicomModification.h/ResourceModificationJob.cpp
// for the rule shape and the per-instance execution. A job runs the
// per-instance pass and then a cleanup pass; no separate reconstruction
// pass runs.
package modify

import (
	"github.com/dcmstore/dcmstore/dcmtag"
)

// PathStep is one hop of a sequence path: a sequence tag plus an item
// index (-1 means "every item", the wildcard per spec §4.7).
type PathStep struct {
	Tag   dcmtag.Tag
	Index int
}

// Target names what a rule applies to: Path[0] is the rule's tag; any
// further steps address a tag nested inside a sequence. Because dcmtag
// treats sequence payloads as opaque raw-byte blobs (see dataset.go), a
// Target whose Path has more than one step is honored at root-sequence
// granularity: the whole sequence named by Path[0] is the unit a
// removal/clearing/replacement acts on, rather than the specific nested
// item dcmtag has no structural access into. This mirrors the same
// opaque-sequence scope reduction dcmtag's own parser already makes.
type Target struct {
	Path []PathStep
}

func TagTarget(t dcmtag.Tag) Target { return Target{Path: []PathStep{{Tag: t, Index: -1}}} }

func (t Target) RootTag() dcmtag.Tag { return t.Path[0].Tag }

// Replacement is a replace-with-value rule.
type Replacement struct {
	Target Target
	Value  string
}

// Program is the modification program applied to every instance of a
// resource set (spec §4.7).
type Program struct {
	Removals   []Target
	Clearings  []Target
	Replacements []Replacement
	Keeps      []Target

	RemovePrivateTags bool
	PrivateCreator    string

	// AllowManualIdentifiers gates dangerous overrides of
	// StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID via Replacements:
	// without it, a Replacement targeting one of those three tags is
	// rejected by Validate.
	AllowManualIdentifiers bool

	// KeepSource controls whether the instances a job modifies are deleted
	// from the index/storage area after every instance in the set has been
	// successfully re-ingested (spec §4.7 "Execution").
	KeepSource bool
}

var identifierTags = map[dcmtag.Tag]bool{
	dcmtag.TagStudyInstanceUID:  true,
	dcmtag.TagSeriesInstanceUID: true,
	dcmtag.TagSOPInstanceUID:    true,
}

// Validate enforces the sanity rules of spec §4.7 that can be checked
// without consulting the index (the Patient-level-rewrite rule needs the
// index and is checked by the job at Start time instead).
func (p *Program) Validate(overwriteInstancesEnabled bool) error {
	if !p.AllowManualIdentifiers {
		for _, r := range p.Replacements {
			if len(r.Target.Path) == 1 && identifierTags[r.Target.RootTag()] {
				return errAllowManualIdentifiers
			}
		}
	}

	keepsAllThree := true
	for tag := range identifierTags {
		if !p.replacesOrKeeps(tag) {
			keepsAllThree = false
			break
		}
	}
	if keepsAllThree && !(p.KeepSource && overwriteInstancesEnabled) {
		return errKeepsAllUIDsWithoutOverwrite
	}
	return nil
}

func (p *Program) replacesOrKeeps(tag dcmtag.Tag) bool {
	for _, k := range p.Keeps {
		if len(k.Path) == 1 && k.RootTag() == tag {
			return true
		}
	}
	for _, r := range p.Replacements {
		if len(r.Target.Path) == 1 && r.Target.RootTag() == tag {
			return true
		}
	}
	return false
}

func (p *Program) isKept(tag dcmtag.Tag) bool {
	for _, k := range p.Keeps {
		if len(k.Path) == 1 && k.RootTag() == tag {
			return true
		}
	}
	return false
}
