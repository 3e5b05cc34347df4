package modify

import "github.com/dcmstore/dcmstore/dcmtag"

// Preset names a built-in anonymization profile version (spec §4.7
// "Anonymization presets"). The store ships the profile versions
// original_source's AnonymizationConfiguration recognizes; each is a
// representative subset of DICOM PS3.15's Basic Application Level
// Confidentiality Profile restricted to the tags dcmtag's dictionary
// knows about, not the full exhaustive table.
type Preset string

const (
	Preset2008  Preset = "2008"
	Preset2017c Preset = "2017c"
	Preset2021b Preset = "2021b"
)

// basicRemovals is the set of tags every preset removes outright: direct
// patient/referrer identity that has no clinical value once removed.
var basicRemovals = []dcmtag.Tag{
	dcmtag.TagPatientName,
	dcmtag.TagPatientBirth,
	dcmtag.TagReferringPhysician,
}

// basicClearings is set empty rather than removed, matching
// original_source's distinction between tags a receiver expects to be
// present-but-blank and tags it expects to be entirely absent.
var basicClearings = []dcmtag.Tag{
	dcmtag.TagAccessionNumber,
}

// NewPreset builds the Program for a given anonymization profile version.
// Every version shares the same tag set here (the dictionary this store
// carries doesn't vary enough to need the Clean Graphics/Clean
// Descriptors per-version option sets original_source supports); the
// version is kept as an explicit field so a future richer dictionary can
// diverge the profiles without changing the Program shape.
func NewPreset(version Preset, keepPrivateTags bool) *Program {
	prog := &Program{
		RemovePrivateTags: !keepPrivateTags,
		KeepSource:        true,
	}
	prog.Removals = append(prog.Removals, removalTargets()...)
	prog.Clearings = append(prog.Clearings, clearingTargets()...)
	_ = version // reserved for future per-version divergence
	return prog
}

func removalTargets() []Target {
	out := make([]Target, 0, len(basicRemovals))
	for _, t := range basicRemovals {
		out = append(out, TagTarget(t))
	}
	return out
}

func clearingTargets() []Target {
	out := make([]Target, 0, len(basicClearings))
	for _, t := range basicClearings {
		out = append(out, TagTarget(t))
	}
	return out
}
