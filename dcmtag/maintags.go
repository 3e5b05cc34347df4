package dcmtag

import (
	"sort"
	"strings"
)

// Level is a position in the Patient->Study->Series->Instance hierarchy.
type Level int

const (
	Patient Level = iota
	Study
	Series
	Instance
)

func (l Level) String() string {
	switch l {
	case Patient:
		return "Patient"
	case Study:
		return "Study"
	case Series:
		return "Series"
	case Instance:
		return "Instance"
	default:
		return "Unknown"
	}
}

// ParentLevel returns the level directly above l, or (Patient, false) for
// Patient itself, which has no parent.
func (l Level) ParentLevel() (Level, bool) {
	if l == Patient {
		return Patient, false
	}
	return l - 1, true
}

// mainTagsByLevel is the fixed schema from spec §3: the set of main DICOM
// tags recorded, as typed columns, at each resource level. The set is fixed
// at schema time (spec.md Non-goals: "no user-defined indexing beyond a
// fixed set of main tags").
var mainTagsByLevel = map[Level][]Tag{
	Patient: {TagPatientID, TagPatientName, TagPatientBirth, TagPatientSex},
	Study: {
		TagStudyInstanceUID, TagStudyDate, TagStudyTime, TagStudyID,
		TagAccessionNumber, TagStudyDescription, TagReferringPhysician,
	},
	Series: {
		TagSeriesInstanceUID, TagSeriesNumber, TagModality, TagSeriesDescription,
	},
	Instance: {
		TagSOPInstanceUID, TagInstanceNumber,
	},
}

func MainTagsForLevel(l Level) []Tag { return mainTagsByLevel[l] }

// SchemaSignature returns a stable string identifying the main-tag set
// recorded for l, so a later code change to mainTagsByLevel is detectable
// against resources stored under a prior signature (spec §3).
func SchemaSignature(l Level) string {
	tags := mainTagsByLevel[l]
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.String()
	}
	sort.Strings(parts)
	return l.String() + ":" + strings.Join(parts, ",")
}

// ExtractMainTags pulls the main tags for l out of ds into a keyword->value
// map, the "summary extraction" of spec §4.4 step 3.
func ExtractMainTags(ds *Dataset, l Level) map[string]string {
	out := map[string]string{}
	for _, t := range mainTagsByLevel[l] {
		if v := ds.GetString(t); v != "" {
			out[t.String()] = v
		}
	}
	return out
}

// ResourceIdentifiers are the four DICOM-level identifiers spec §3 uses to
// compute deterministic, content-addressed resource ids.
type ResourceIdentifiers struct {
	PatientID  string
	StudyUID   string
	SeriesUID  string
	SOPInstUID string
}

func ExtractIdentifiers(ds *Dataset) ResourceIdentifiers {
	patientID := ds.GetString(TagPatientID)
	return ResourceIdentifiers{
		PatientID:  patientID,
		StudyUID:   ds.GetString(TagStudyInstanceUID),
		SeriesUID:  ds.GetString(TagSeriesInstanceUID),
		SOPInstUID: ds.GetString(TagSOPInstanceUID),
	}
}
