package dcmtag_test

import (
	"bytes"
	"testing"

	"github.com/dcmstore/dcmstore/dcmtag"
)

func TestWriteFileThenParseFileRoundTrips(t *testing.T) {
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, "PAT1")
	ds.SetString(dcmtag.TagPatientName, dcmtag.VR_PN, "Doe^Jane")
	ds.SetString(dcmtag.TagStudyInstanceUID, dcmtag.VR_UI, "1.2.3.4")
	ds.SetString(dcmtag.TagSeriesInstanceUID, dcmtag.VR_UI, "1.2.3.4.5")
	ds.SetString(dcmtag.TagSOPInstanceUID, dcmtag.VR_UI, "1.2.3.4.5.6")
	ds.Set(dcmtag.TagPixelData, dcmtag.VR_OW, []byte{1, 2, 3, 4})

	pf := &dcmtag.ParsedFile{
		Meta: dcmtag.FileMeta{
			MediaStorageSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
			MediaStorageSOPInstanceUID: "1.2.3.4.5.6",
			TransferSyntaxUID:          dcmtag.ExplicitVRLittleEndian,
		},
		Dataset:         ds,
		PixelDataOffset: -1,
	}

	var buf bytes.Buffer
	if err := dcmtag.WriteFile(&buf, pf); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reparsed, err := dcmtag.ParseFile(&buf)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if reparsed.Meta.TransferSyntaxUID != dcmtag.ExplicitVRLittleEndian {
		t.Fatalf("transfer syntax lost: %q", reparsed.Meta.TransferSyntaxUID)
	}
	if got := reparsed.Dataset.GetString(dcmtag.TagPatientID); got != "PAT1" {
		t.Fatalf("PatientID round-trip: got %q", got)
	}
	if got := reparsed.Dataset.GetString(dcmtag.TagStudyInstanceUID); got != "1.2.3.4" {
		t.Fatalf("StudyInstanceUID round-trip: got %q", got)
	}
	pixel, ok := reparsed.Dataset.Get(dcmtag.TagPixelData)
	if !ok || !bytes.Equal(pixel.Value, []byte{1, 2, 3, 4}) {
		t.Fatalf("PixelData round-trip failed: %+v", pixel)
	}
}

func TestWriteFileImplicitVR(t *testing.T) {
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, "PAT2")

	pf := &dcmtag.ParsedFile{
		Meta: dcmtag.FileMeta{
			TransferSyntaxUID: dcmtag.ImplicitVRLittleEndian,
		},
		Dataset:         ds,
		PixelDataOffset: -1,
	}

	var buf bytes.Buffer
	if err := dcmtag.WriteFile(&buf, pf); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	reparsed, err := dcmtag.ParseFile(&buf)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if got := reparsed.Dataset.GetString(dcmtag.TagPatientID); got != "PAT2" {
		t.Fatalf("PatientID round-trip: got %q", got)
	}
}
