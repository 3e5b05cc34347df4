package modify

import (
	"github.com/dcmstore/dcmstore/dcmtag"
)

// uidTagLevels maps the three identifier tags a Program's UID-remapping
// rule applies to onto the Level their value identifies, matching
// dcmtag.ResourceIdentifiers' own granularity. PatientID is remapped too
// (spec §4.7 names "Patient ID, Study/Series/SOP Instance UID" together),
// keyed at Patient level.
var uidTagLevels = map[dcmtag.Tag]dcmtag.Level{
	dcmtag.TagPatientID:         dcmtag.Patient,
	dcmtag.TagStudyInstanceUID:  dcmtag.Study,
	dcmtag.TagSeriesInstanceUID: dcmtag.Series,
	dcmtag.TagSOPInstanceUID:    dcmtag.Instance,
}

// ApplyToInstance clones pf's dataset and applies prog's rules in a fixed
// order — removals, clearings, replacements, private-tag stripping, then
// UID remapping for any identifier tag neither replaced nor kept (spec
// §4.7) — returning a new *dcmtag.ParsedFile. pf itself is never mutated.
func ApplyToInstance(pf *dcmtag.ParsedFile, prog *Program, remapper *UIDRemapper) *dcmtag.ParsedFile {
	ds := pf.Dataset.Clone()

	for _, t := range prog.Removals {
		ds.Remove(t.RootTag())
	}
	for _, t := range prog.Clearings {
		if e, ok := ds.Get(t.RootTag()); ok {
			ds.Set(e.Tag, e.VR, nil)
		}
	}
	for _, r := range prog.Replacements {
		vr := dcmtag.VR_LO
		if e, ok := ds.Get(r.Target.RootTag()); ok {
			vr = e.VR
		}
		ds.SetString(r.Target.RootTag(), vr, r.Value)
	}

	if prog.RemovePrivateTags {
		stripPrivateTags(ds, prog.PrivateCreator)
	}

	for tag, level := range uidTagLevels {
		if prog.isKept(tag) || prog.replacesOrKeeps(tag) {
			continue
		}
		if e, ok := ds.Get(tag); ok {
			original := ds.GetString(tag)
			mapped := remapper.Remap(level, original)
			ds.SetString(tag, e.VR, mapped)
		}
	}

	newMeta := pf.Meta
	newMeta.MediaStorageSOPInstanceUID = ds.GetString(dcmtag.TagSOPInstanceUID)

	return &dcmtag.ParsedFile{
		Meta:            newMeta,
		Dataset:         ds,
		PixelDataOffset: -1, // recomputed by the ingestion pipeline's re-parse after re-encode
	}
}

// stripPrivateTags removes every element whose group number is odd (the
// DICOM convention for private groups), except the group's own private
// creator element when creator matches — so a caller-specified
// PrivateCreator survives a blanket private-tag strip, per spec §4.7
// ("a privateCreator string is required only when private-tag
// replacements are requested", confirmed against original_source's
// DicomModification.h).
func stripPrivateTags(ds *dcmtag.Dataset, creator string) {
	var keep []dcmtag.Element
	for _, e := range ds.Elements {
		if e.Tag.Group%2 == 0 {
			keep = append(keep, e)
			continue
		}
		if creator != "" && isPrivateCreatorSlot(e.Tag) && string(e.Value) == creator {
			keep = append(keep, e)
			continue
		}
	}
	*ds = *rebuild(keep)
}

// isPrivateCreatorSlot reports whether t's element falls in the
// 0x0010-0x00FF range reserved for a private block's creator
// identification element (DICOM PS3.5 §7.8.1) — the block's own data
// elements live at (group, blockNumber<<8 | offset) instead.
func isPrivateCreatorSlot(t dcmtag.Tag) bool {
	return t.Element >= 0x0010 && t.Element <= 0x00FF
}

func rebuild(elements []dcmtag.Element) *dcmtag.Dataset {
	nd := &dcmtag.Dataset{}
	for _, e := range elements {
		nd.Set(e.Tag, e.VR, e.Value)
	}
	return nd
}
