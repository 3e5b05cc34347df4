package dcmtag

import "github.com/dcmstore/dcmstore/cmn/cos"

// ResourceID computes the 40-hex-character, lower-case, content-addressed
// identifier for a resource at level l (spec §3, §8 invariant 1): a SHA-1
// digest of the DICOM identifiers that compose it, so two ingestions of the
// same SOP Instance UID (or Series/Study/Patient) always map to the same
// id, independent of ingestion order or origin.
func ResourceID(l Level, ids ResourceIdentifiers) string {
	switch l {
	case Patient:
		return cos.SHA1Hex40("patient", ids.PatientID)
	case Study:
		return cos.SHA1Hex40("study", ids.PatientID, ids.StudyUID)
	case Series:
		return cos.SHA1Hex40("series", ids.PatientID, ids.StudyUID, ids.SeriesUID)
	case Instance:
		return cos.SHA1Hex40("instance", ids.PatientID, ids.StudyUID, ids.SeriesUID, ids.SOPInstUID)
	default:
		return ""
	}
}
