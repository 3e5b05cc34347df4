package archive_test

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/dcmstore/dcmstore/archive"
	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/metrics"
	"github.com/dcmstore/dcmstore/storage"
)

func newTestArea(t *testing.T) storage.Area {
	t.Helper()
	area, err := storage.NewFilesystemArea(t.TempDir(), storage.CompressionNone, storage.DefaultLayout{})
	if err != nil {
		t.Fatalf("NewFilesystemArea: %v", err)
	}
	return area
}

func newTestIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func ingestOne(t *testing.T, idx *index.Index, area storage.Area, patientID, studyUID, seriesUID, sopUID string) {
	t.Helper()
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, patientID)
	ds.SetString(dcmtag.TagPatientName, dcmtag.VR_PN, "Doe^Jane")
	ds.SetString(dcmtag.TagStudyInstanceUID, dcmtag.VR_UI, studyUID)
	ds.SetString(dcmtag.TagSeriesInstanceUID, dcmtag.VR_UI, seriesUID)
	ds.SetString(dcmtag.TagModality, dcmtag.VR_CS, "CT")
	ds.SetString(dcmtag.TagSOPInstanceUID, dcmtag.VR_UI, sopUID)
	ds.Set(dcmtag.TagPixelData, dcmtag.VR_OW, []byte{1, 2, 3, 4})

	pf := &dcmtag.ParsedFile{
		Meta: dcmtag.FileMeta{
			MediaStorageSOPClassUID:    "1.2.840.10008.5.1.4.1.1.7",
			MediaStorageSOPInstanceUID: sopUID,
			TransferSyntaxUID:          dcmtag.ExplicitVRLittleEndian,
		},
		Dataset:         ds,
		PixelDataOffset: -1,
	}
	var buf bytes.Buffer
	if err := dcmtag.WriteFile(&buf, pf); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bus := changebus.New(16)
	t.Cleanup(bus.Close)
	reg := metrics.New()
	throttle := cache.NewLargeObjectThrottle(1, 1<<30)
	mgr := cmn.NewManager(cmn.Default())
	p := ingest.New(mgr, area, idx, bus, reg, throttle)

	if _, err := p.IngestAll(context.Background(), buf.Bytes(), ingest.OriginHTTP, ingest.Options{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func patientPublicID(t *testing.T, idx *index.Index, patientID string) string {
	t.Helper()
	return dcmtag.ResourceID(dcmtag.Patient, dcmtag.ResourceIdentifiers{PatientID: patientID})
}

func TestArchiveStreamProducesValidZip(t *testing.T) {
	idx := newTestIndex(t)
	area := newTestArea(t)

	ingestOne(t, idx, area, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	ingestOne(t, idx, area, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.6")

	patientPub := patientPublicID(t, idx, "PAT1")

	plan, err := archive.BuildPlan(idx, []string{patientPub}, false)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.InstanceCount != 2 {
		t.Fatalf("expected 2 instances in plan, got %d", plan.InstanceCount)
	}

	var out bytes.Buffer
	if err := archive.Stream(context.Background(), idx, area, []string{patientPub}, false, "", ingest.IdentityTranscoder{}, 0, &out); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	if err != nil {
		t.Fatalf("open produced zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 zip entries, got %d", len(zr.File))
	}
}

func TestArchiveStreamMediaModeWritesDicomDir(t *testing.T) {
	idx := newTestIndex(t)
	area := newTestArea(t)
	ingestOne(t, idx, area, "PAT2", "2.2.3", "2.2.3.4", "2.2.3.4.5")
	patientPub := patientPublicID(t, idx, "PAT2")

	var out bytes.Buffer
	if err := archive.Stream(context.Background(), idx, area, []string{patientPub}, true, "", ingest.IdentityTranscoder{}, 2, &out); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	if err != nil {
		t.Fatalf("open produced zip: %v", err)
	}
	foundDicomDir := false
	for _, f := range zr.File {
		if f.Name == "DICOMDIR" {
			foundDicomDir = true
		}
	}
	if !foundDicomDir {
		t.Fatalf("expected DICOMDIR entry in media-mode archive")
	}
}

func TestMediaArchiveStoreRegisterAndLookup(t *testing.T) {
	store := archive.NewMediaArchiveStore(0)
	id := store.Register("/tmp/does-not-need-to-exist.zip")
	path, ok := store.Lookup(id)
	if !ok || path != "/tmp/does-not-need-to-exist.zip" {
		t.Fatalf("Lookup mismatch: ok=%v path=%q", ok, path)
	}
}
