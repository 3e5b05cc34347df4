package query_test

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
	"github.com/dcmstore/dcmstore/query"
	"github.com/dcmstore/dcmstore/storage"
)

type plannerFixture struct {
	idx    *index.Index
	area   storage.Area
	cfgMgr *cmn.Manager
}

func newPlannerFixture(t *testing.T) *plannerFixture {
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
	return &plannerFixture{idx: idx, area: area, cfgMgr: cmn.NewManager(cmn.Default())}
}

func (f *plannerFixture) ingest(t *testing.T, patientID, studyUID, seriesUID, sopUID, modality, referencedSOP string) {
	t.Helper()
	ds := &dcmtag.Dataset{}
	ds.SetString(dcmtag.TagPatientID, dcmtag.VR_LO, patientID)
	ds.SetString(dcmtag.TagPatientName, dcmtag.VR_PN, "Doe^Jane")
	ds.SetString(dcmtag.TagStudyInstanceUID, dcmtag.VR_UI, studyUID)
	ds.SetString(dcmtag.TagSeriesInstanceUID, dcmtag.VR_UI, seriesUID)
	ds.SetString(dcmtag.TagModality, dcmtag.VR_CS, modality)
	ds.SetString(dcmtag.TagSOPInstanceUID, dcmtag.VR_UI, sopUID)
	if referencedSOP != "" {
		// A tag outside the main-tag schema (spec §3), used here purely as a
		// residual, disk-only constraint target.
		ds.SetString(dcmtag.TagReferencedSOPInstanceUID, dcmtag.VR_UI, referencedSOP)
	}

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
	p := ingest.New(f.cfgMgr, f.area, f.idx, bus, reg, throttle)
	if _, err := p.IngestAll(context.Background(), buf.Bytes(), ingest.OriginHTTP, ingest.Options{}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestFindMatchesOnIndexedMainTag(t *testing.T) {
	f := newPlannerFixture(t)
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5", "CT", "")
	f.ingest(t, "PAT2", "1.2.4", "1.2.4.4", "1.2.4.4.5", "MR", "")

	p := query.New(f.idx, f.area, f.cfgMgr)
	lookup := query.DatabaseLookup{Constraints: []query.Constraint{
		{Tag: dcmtag.TagPatientID.String(), Operator: query.OpEqual, Value: "PAT1", CaseSensitive: true},
	}}

	var got []query.Match
	complete, err := p.Find(dcmtag.Patient, lookup, 0, 0, func(m query.Match) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !complete {
		t.Fatal("expected complete result")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
}

func TestFindModalitiesInStudySpecialCase(t *testing.T) {
	f := newPlannerFixture(t)
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5", "CT", "")
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.5", "1.2.3.5.5", "MR", "")
	f.ingest(t, "PAT2", "9.9.9", "9.9.9.1", "9.9.9.1.1", "US", "")

	p := query.New(f.idx, f.area, f.cfgMgr)
	lookup := query.DatabaseLookup{Constraints: []query.Constraint{
		{Tag: query.ModalitiesInStudy, Operator: query.OpEqual, Value: "MR"},
	}}

	var got []query.Match
	_, err := p.Find(dcmtag.Study, lookup, 0, 0, func(m query.Match) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 study (the one with an MR series), got %d", len(got))
	}
	if got[0].Row.MainTags[dcmtag.TagStudyInstanceUID.String()] != "1.2.3" {
		t.Fatalf("expected study 1.2.3, got %+v", got[0].Row.MainTags)
	}
}

func TestFindResidualConstraintUnderDiskOnLookupAndAnswer(t *testing.T) {
	f := newPlannerFixture(t)
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5", "CT", "1.1.1.1")
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.5", "1.2.3.5.5", "CT", "2.2.2.2")

	cfg := *f.cfgMgr.Get()
	cfg.StorageAccessOnFind = string(query.DiskOnLookupAndAnswer)
	f.cfgMgr.Set(&cfg)

	p := query.New(f.idx, f.area, f.cfgMgr)
	lookup := query.DatabaseLookup{Constraints: []query.Constraint{
		{Tag: dcmtag.TagReferencedSOPInstanceUID.String(), Operator: query.OpEqual, Value: "2.2.2.2", CaseSensitive: true},
	}}

	var got []query.Match
	_, err := p.Find(dcmtag.Series, lookup, 0, 0, func(m query.Match) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 series matching the residual ReferencedSOPInstanceUID constraint, got %d", len(got))
	}
}

func TestFindResidualConstraintDroppedUnderDatabaseOnly(t *testing.T) {
	f := newPlannerFixture(t)
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5", "CT", "1.1.1.1")
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.5", "1.2.3.5.5", "CT", "2.2.2.2")

	cfg := *f.cfgMgr.Get()
	cfg.StorageAccessOnFind = string(query.DatabaseOnly)
	f.cfgMgr.Set(&cfg)

	p := query.New(f.idx, f.area, f.cfgMgr)
	lookup := query.DatabaseLookup{Constraints: []query.Constraint{
		{Tag: dcmtag.TagReferencedSOPInstanceUID.String(), Operator: query.OpEqual, Value: "2.2.2.2", CaseSensitive: true},
	}}

	var got []query.Match
	_, err := p.Find(dcmtag.Series, lookup, 0, 0, func(m query.Match) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected DatabaseOnly to drop the non-main-tag constraint and return both series, got %d", len(got))
	}
}

func TestFindPaginatesWithSinceAndLimit(t *testing.T) {
	f := newPlannerFixture(t)
	f.ingest(t, "PAT1", "1.2.3", "1.2.3.4", "1.2.3.4.5", "CT", "")
	f.ingest(t, "PAT2", "1.2.4", "1.2.4.4", "1.2.4.4.5", "CT", "")
	f.ingest(t, "PAT3", "1.2.5", "1.2.5.4", "1.2.5.4.5", "CT", "")

	p := query.New(f.idx, f.area, f.cfgMgr)
	lookup := query.DatabaseLookup{Constraints: []query.Constraint{
		{Tag: dcmtag.TagModality.String(), Operator: query.OpEqual, Value: "CT", CaseSensitive: true},
	}}

	var page1 []query.Match
	complete, err := p.Find(dcmtag.Series, lookup, 0, 2, func(m query.Match) error {
		page1 = append(page1, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Find page1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page1))
	}
	if complete {
		t.Fatal("expected complete=false when the limit+1 cap truncated the candidate set")
	}

	var page2 []query.Match
	if _, err := p.Find(dcmtag.Series, lookup, 2, 2, func(m query.Match) error {
		page2 = append(page2, m)
		return nil
	}); err != nil {
		t.Fatalf("Find page2: %v", err)
	}
	if len(page2) != 1 {
		t.Fatalf("expected last page of 1, got %d", len(page2))
	}
}
