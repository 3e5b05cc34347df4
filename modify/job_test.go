package modify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/dcmstore/dcmstore/cache"
	"github.com/dcmstore/dcmstore/changebus"
	"github.com/dcmstore/dcmstore/cmn"
	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/index"
	"github.com/dcmstore/dcmstore/ingest"
	"github.com/dcmstore/dcmstore/jobs"
	"github.com/dcmstore/dcmstore/metrics"
	"github.com/dcmstore/dcmstore/modify"
	"github.com/dcmstore/dcmstore/storage"
)

func buildJobTestDicom(t *testing.T, patientID, studyUID, seriesUID, sopUID string) []byte {
	t.Helper()
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, patientID)
	ds.SetString(dcmtag.TagPatientName, dcmtag.VR_PN, "Doe^Jane")
	ds.SetString(dcmtag.TagStudyInstanceUID, dcmtag.VR_UI, studyUID)
	ds.SetString(dcmtag.TagSeriesInstanceUID, dcmtag.VR_UI, seriesUID)
	ds.SetString(dcmtag.TagSOPInstanceUID, dcmtag.VR_UI, sopUID)

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

type jobTestFixture struct {
	idx    *index.Index
	area   storage.Area
	cache  *cache.Cache
	pipe   *ingest.Pipeline
	cfgMgr *cmn.Manager
}

func newJobTestFixture(t *testing.T) *jobTestFixture {
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
	parsedCache := cache.New(256 << 20)
	cfgMgr := cmn.NewManager(cmn.Default())
	pipe := ingest.New(cfgMgr, area, idx, bus, reg, throttle)

	return &jobTestFixture{idx: idx, area: area, cache: parsedCache, pipe: pipe, cfgMgr: cfgMgr}
}

func (f *jobTestFixture) ingest(t *testing.T, raw []byte) index.StoreResult {
	t.Helper()
	results, err := f.pipe.IngestAll(context.Background(), raw, ingest.OriginHTTP, ingest.Options{})
	if err != nil {
		t.Fatalf("IngestAll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	return results[0].Store
}

func TestModificationJobClearsTagAndDeletesSourceByDefault(t *testing.T) {
	f := newJobTestFixture(t)
	f.ingest(t, buildJobTestDicom(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	studyPublicID := dcmtag.ResourceID(dcmtag.Study, dcmtag.ResourceIdentifiers{PatientID: "PAT1", StudyUID: "1.2.3"})

	prog := modify.Program{
		Clearings: []modify.Target{modify.TagTarget(dcmtag.TagPatientName)},
		KeepSource: false,
	}
	factory := modify.NewFactory(f.idx, f.area, f.cache, f.pipe, f.cfgMgr)
	raw, err := jsonMarshalState(t, studyPublicID, prog)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	job, err := factory(raw)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	runJobToCompletion(t, job)

	if _, _, err := f.idx.LookupResource(studyPublicID); err == nil {
		t.Fatal("expected original study to be deleted once KeepSource is false")
	}
}

func TestModificationJobKeepsSourceWhenRequested(t *testing.T) {
	f := newJobTestFixture(t)
	f.ingest(t, buildJobTestDicom(t, "PAT2", "2.2.3", "2.2.3.4", "2.2.3.4.5"))
	studyPublicID := dcmtag.ResourceID(dcmtag.Study, dcmtag.ResourceIdentifiers{PatientID: "PAT2", StudyUID: "2.2.3"})

	prog := modify.Program{
		AllowManualIdentifiers: true,
		KeepSource:             true,
		Replacements: []modify.Replacement{
			{Target: modify.TagTarget(dcmtag.TagSeriesInstanceUID), Value: "9.9.9"},
		},
	}
	factory := modify.NewFactory(f.idx, f.area, f.cache, f.pipe, f.cfgMgr)
	raw, err := jsonMarshalState(t, studyPublicID, prog)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	job, err := factory(raw)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	runJobToCompletion(t, job)

	if _, _, err := f.idx.LookupResource(studyPublicID); err != nil {
		t.Fatalf("expected original study to survive when KeepSource is true: %v", err)
	}
}

func runJobToCompletion(t *testing.T, job jobs.Job) {
	t.Helper()
	if err := job.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 100; i++ {
		res, err := job.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if res == jobs.StepSuccess {
			return
		}
		if res == jobs.StepFailure {
			t.Fatal("job reported StepFailure")
		}
	}
	t.Fatal("job did not complete within 100 steps")
}

func jsonMarshalState(t *testing.T, resourceID string, prog modify.Program) ([]byte, error) {
	t.Helper()
	type wireState struct {
		ResourceIDs []string
		Program     modify.Program
	}
	return json.Marshal(wireState{ResourceIDs: []string{resourceID}, Program: prog})
}
