// Package dcmtag provides the minimal DICOM dataset model the store's core
// needs: tag/VR parsing, main-tag extraction, resource identifier hashing,
// and UID generation. It deliberately excludes pixel codecs (JPEG, PNG,
// Numpy) and the network/PDU layer — those are peripheral or out of scope
// per the system specification.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dcmtag

import "fmt"

// Tag is a DICOM (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

func NewTag(group, element uint16) Tag { return Tag{Group: group, Element: element} }

// Well-known tags referenced directly by the pipeline, the index schema, and
// the modification engine.
var (
	TagFileMetaGroupLength  = Tag{0x0002, 0x0000}
	TagMediaStorageSOPClass = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInst  = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID    = Tag{0x0002, 0x0010}

	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagModality             = Tag{0x0008, 0x0060}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagReferringPhysician   = Tag{0x0008, 0x0090}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}

	TagPatientName  = Tag{0x0010, 0x0010}
	TagPatientID    = Tag{0x0010, 0x0020}
	TagPatientBirth = Tag{0x0010, 0x0030}
	TagPatientSex   = Tag{0x0010, 0x0040}

	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagStudyID           = Tag{0x0020, 0x0010}
	TagSeriesNumber      = Tag{0x0020, 0x0011}
	TagInstanceNumber    = Tag{0x0020, 0x0013}

	TagPixelData = Tag{0x7FE0, 0x0010}

	TagReferencedSOPInstanceUID = Tag{0x0008, 0x1155} // nested inside ReferencedSeriesSequence et al.
)

// VR is a two-letter DICOM value representation code.
type VR string

const (
	VR_AE VR = "AE"
	VR_AS VR = "AS"
	VR_AT VR = "AT"
	VR_CS VR = "CS"
	VR_DA VR = "DA"
	VR_DS VR = "DS"
	VR_DT VR = "DT"
	VR_FL VR = "FL"
	VR_FD VR = "FD"
	VR_IS VR = "IS"
	VR_LO VR = "LO"
	VR_LT VR = "LT"
	VR_OB VR = "OB"
	VR_OD VR = "OD"
	VR_OF VR = "OF"
	VR_OW VR = "OW"
	VR_PN VR = "PN"
	VR_SH VR = "SH"
	VR_SL VR = "SL"
	VR_SQ VR = "SQ"
	VR_SS VR = "SS"
	VR_ST VR = "ST"
	VR_TM VR = "TM"
	VR_UI VR = "UI"
	VR_UL VR = "UL"
	VR_UN VR = "UN"
	VR_US VR = "US"
	VR_UT VR = "UT"
)

// longFormVRs use a 4-byte length field (with 2 reserved bytes) in explicit
// VR little endian encoding; all others use a 2-byte length field.
var longFormVRs = map[VR]bool{
	VR_OB: true, VR_OD: true, VR_OF: true, VR_OW: true,
	VR_SQ: true, VR_UN: true, VR_UT: true,
}

func (vr VR) IsLongForm() bool { return longFormVRs[vr] }
