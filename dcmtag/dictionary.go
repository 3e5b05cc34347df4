package dcmtag

// vrDictionary maps the tags this store actually inspects to their standard
// VR, used only when decoding implicit-VR-little-endian datasets (where VR
// is not present on the wire). Tags outside this set decode as VR_UN, which
// is sufficient: their bytes still round-trip untouched.
var vrDictionary = map[Tag]VR{
	TagFileMetaGroupLength:  VR_UL,
	TagMediaStorageSOPClass: VR_UI,
	TagMediaStorageSOPInst:  VR_UI,
	TagTransferSyntaxUID:    VR_UI,

	TagSpecificCharacterSet: VR_CS,
	TagSOPClassUID:          VR_UI,
	TagSOPInstanceUID:       VR_UI,
	TagStudyDate:            VR_DA,
	TagStudyTime:            VR_TM,
	TagModality:             VR_CS,
	TagAccessionNumber:      VR_SH,
	TagReferringPhysician:   VR_PN,
	TagStudyDescription:     VR_LO,
	TagSeriesDescription:    VR_LO,

	TagPatientName:  VR_PN,
	TagPatientID:    VR_LO,
	TagPatientBirth: VR_DA,
	TagPatientSex:   VR_CS,

	TagStudyInstanceUID:  VR_UI,
	TagSeriesInstanceUID: VR_UI,
	TagStudyID:           VR_SH,
	TagSeriesNumber:      VR_IS,
	TagInstanceNumber:    VR_IS,

	TagPixelData: VR_OW,

	TagReferencedSOPInstanceUID: VR_UI,
}
