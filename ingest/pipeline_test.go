package ingest_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/metrics"
	"github.com/dcmstore/dcmstore/storage"
)

func buildDicom(t *testing.T, patientID, studyUID, seriesUID, sopUID string) []byte {
	t.Helper()
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, patientID)
	ds.SetString(dcmtag.TagPatientName, dcmtag.VR_PN, "Doe^Jane")
	ds.SetString(dcmtag.TagStudyInstanceUID, dcmtag.VR_UI, studyUID)
	ds.SetString(dcmtag.TagSeriesInstanceUID, dcmtag.VR_UI, seriesUID)
	ds.SetString(dcmtag.TagSOPInstanceUID, dcmtag.VR_UI, sopUID)
	ds.Set(dcmtag.TagPixelData, dcmtag.VR_OW, []byte{9, 9, 9, 9})

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
	return buf.Bytes()
}

func newTestPipeline(t *testing.T) *ingest.Pipeline {
	t.Helper()
	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	area, err := storage.NewFilesystemArea(t.TempDir(), storage.CompressionNone, storage.DefaultLayout{})
	if err != nil {
		t.Fatalf("NewFilesystemArea: %v", err)
	}

	bus := changebus.New(16)
	t.Cleanup(bus.Close)

	reg := metrics.New()
	throttle := cache.NewLargeObjectThrottle(1, 1<<30)
	mgr := cmn.NewManager(cmn.Default())

	return ingest.New(mgr, area, idx, bus, reg, throttle)
}

func TestIngestSingleInstanceCommits(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildDicom(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	results, err := p.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{})
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Store.Status != index.StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %v", results[0].Store.Status)
	}
}

func TestIngestDuplicateIsAlreadyStored(t *testing.T) {
	p := newTestPipeline(t)
	raw := buildDicom(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	if _, err := p.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	results, err := p.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if results[0].Store.Status != index.StatusAlreadyStored {
		t.Fatalf("expected StatusAlreadyStored, got %v", results[0].Store.Status)
	}
}

type rejectAllFilter struct{}

func (rejectAllFilter) Accept(map[string]string) bool { return false }

func TestIngestFilteredOut(t *testing.T) {
	p := newTestPipeline(t)
	p.SetFilter(rejectAllFilter{})
	raw := buildDicom(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	results, err := p.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{})
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if !results[0].FilteredOut {
		t.Fatalf("expected FilteredOut result")
	}
}

type recordingListener struct{ called int }

func (l *recordingListener) SignalStoredInstance(map[string]string) { l.called++ }

func TestIngestNotifiesListener(t *testing.T) {
	p := newTestPipeline(t)
	l := &recordingListener{}
	p.AddListener(l)
	raw := buildDicom(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	if _, err := p.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{}); err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if l.called != 1 {
		t.Fatalf("expected listener called once, got %d", l.called)
	}
}
