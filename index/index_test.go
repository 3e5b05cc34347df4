package index

import (
	"testing"

	"github.com/dcmstore/dcmstore/dcmtag"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func sampleInput(patientID, studyUID, seriesUID, sopUID string) StoreInput {
	ids := dcmtag.ResourceIdentifiers{PatientID: patientID, StudyUID: studyUID, SeriesUID: seriesUID, SOPInstUID: sopUID}
	return StoreInput{
		Identifiers: ids,
		MainTags: map[dcmtag.Level]map[string]string{
			dcmtag.Patient:  {"PatientID": patientID},
			dcmtag.Study:    {"StudyInstanceUID": studyUID},
			dcmtag.Series:   {"SeriesInstanceUID": seriesUID, "Modality": "CT"},
			dcmtag.Instance: {"SOPInstanceUID": sopUID},
		},
		Attachment: AttachmentRow{UUID: "blob-" + sopUID, ContentType: 1, SizeUncompressed: 100, SizeStored: 100},
	}
}

func TestStoreCreatesFullHierarchy(t *testing.T) {
	idx := openTest(t)
	res, err := idx.Store(sampleInput("pat1", "study1", "series1", "sop1"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success, got %v", res.Status)
	}
	if res.ParentPatient == "" || res.ParentStudy == "" || res.ParentSeries == "" {
		t.Fatalf("expected all ancestor public ids populated, got %+v", res)
	}

	internalID, level, err := idx.LookupResource(res.InstanceID)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if level != dcmtag.Instance {
		t.Fatalf("expected Instance level, got %v", level)
	}

	parentID, ok, err := idx.LookupParent(internalID)
	if err != nil || !ok {
		t.Fatalf("LookupParent: ok=%v err=%v", ok, err)
	}
	row, found, err := idx.GetResourceRow(parentID)
	if err != nil || !found || row.Level != dcmtag.Series {
		t.Fatalf("expected series parent, got %+v found=%v err=%v", row, found, err)
	}

	children, err := idx.GetChildInstances(row.InternalID)
	if err != nil || len(children) != 1 {
		t.Fatalf("expected one descendant instance, got %v err=%v", children, err)
	}
}

func TestStoreIsIdempotentWithoutOverwrite(t *testing.T) {
	idx := openTest(t)
	in := sampleInput("pat1", "study1", "series1", "sop1")
	if _, err := idx.Store(in); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	res, err := idx.Store(in)
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if res.Status != StatusAlreadyStored {
		t.Fatalf("expected AlreadyStored, got %v", res.Status)
	}
}

func TestStoreOverwriteReplacesAttachment(t *testing.T) {
	idx := openTest(t)
	in := sampleInput("pat1", "study1", "series1", "sop1")
	if _, err := idx.Store(in); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	in.Overwrite = true
	in.Attachment.SizeUncompressed = 200
	res, err := idx.Store(in)
	if err != nil {
		t.Fatalf("overwrite Store: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected Success on overwrite, got %v", res.Status)
	}
	if len(res.RemovedAttachments) != 1 || res.RemovedAttachments[0].SizeUncompressed != 100 {
		t.Fatalf("expected old 100-byte attachment reported removed, got %+v", res.RemovedAttachments)
	}
}

func TestChangesAreMonotonicAndPaged(t *testing.T) {
	idx := openTest(t)
	for i := 0; i < 3; i++ {
		sop := []string{"sop1", "sop2", "sop3"}[i]
		if _, err := idx.Store(sampleInput("pat1", "study1", "series1", sop)); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}
	events, last, done, err := idx.Changes(0, 2)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events in first page, got %d", len(events))
	}
	if done {
		t.Fatalf("expected more events to remain")
	}
	rest, _, done2, err := idx.Changes(last, 100)
	if err != nil {
		t.Fatalf("Changes page 2: %v", err)
	}
	if !done2 {
		t.Fatalf("expected final page to report done")
	}
	if len(rest) == 0 {
		t.Fatalf("expected remaining events on second page")
	}
}

func TestCheckStabilityFiresOncePerIdleResource(t *testing.T) {
	idx := openTest(t)
	if _, err := idx.Store(sampleInput("pat1", "study1", "series1", "sop1")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	events, err := idx.CheckStability(0) // idle window of 0: everything qualifies immediately
	if err != nil {
		t.Fatalf("CheckStability: %v", err)
	}
	if len(events) != 3 { // patient, study, series
		t.Fatalf("expected 3 stability transitions, got %d: %+v", len(events), events)
	}
	// A second pass with nothing new ingested must not re-fire.
	again, err := idx.CheckStability(0)
	if err != nil {
		t.Fatalf("CheckStability again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no further stability transitions, got %+v", again)
	}
}

func TestAttachmentCompareAndSwap(t *testing.T) {
	idx := openTest(t)
	res, err := idx.Store(sampleInput("pat1", "study1", "series1", "sop1"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	internalID, _, err := idx.LookupResource(res.InstanceID)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}

	if _, err := idx.AddAttachment(internalID, AttachmentRow{UUID: "extra", SizeUncompressed: 10}, -1); err != nil {
		t.Fatalf("AddAttachment initial: %v", err)
	}
	if _, err := idx.AddAttachment(internalID, AttachmentRow{UUID: "extra", SizeUncompressed: 10}, -1); err == nil {
		t.Fatalf("expected conflict re-adding with expectedRevision -1")
	}
	if _, err := idx.AddAttachment(internalID, AttachmentRow{UUID: "extra", SizeUncompressed: 20}, 0); err != nil {
		t.Fatalf("AddAttachment CAS update: %v", err)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	idx := openTest(t)
	res, err := idx.Store(sampleInput("pat1", "study1", "series1", "sop1"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	internalID, _, err := idx.LookupResource(res.InstanceID)
	if err != nil {
		t.Fatalf("LookupResource: %v", err)
	}
	if _, err := idx.OverwriteMetadata(internalID, "foo", "bar"); err != nil {
		t.Fatalf("OverwriteMetadata: %v", err)
	}
	v, found, err := idx.LookupMetadata(internalID, "foo")
	if err != nil || !found || v != "bar" {
		t.Fatalf("expected foo=bar, got %q found=%v err=%v", v, found, err)
	}
	if err := idx.DeleteMetadata(internalID, "foo"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	if _, found, _ := idx.LookupMetadata(internalID, "foo"); found {
		t.Fatalf("expected metadata gone after delete")
	}
}

func TestCandidatesIntersectsMainTagConstraints(t *testing.T) {
	idx := openTest(t)
	if _, err := idx.Store(sampleInput("pat1", "study1", "seriesA", "sop1")); err != nil {
		t.Fatalf("Store 1: %v", err)
	}
	if _, err := idx.Store(sampleInput("pat1", "study1", "seriesB", "sop2")); err != nil {
		t.Fatalf("Store 2: %v", err)
	}
	ids, err := idx.Candidates(dcmtag.Series, []Constraint{{Tag: "Modality", Value: "CT"}})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected both series to match Modality=CT, got %d", len(ids))
	}
}

func TestGlobalPropertiesAndSequence(t *testing.T) {
	idx := openTest(t)
	if err := idx.GlobalPropertySet("ServerID", "abc"); err != nil {
		t.Fatalf("GlobalPropertySet: %v", err)
	}
	v, found, err := idx.GlobalPropertyGet("ServerID")
	if err != nil || !found || v != "abc" {
		t.Fatalf("expected abc, got %q found=%v err=%v", v, found, err)
	}
	n1, err := idx.IncrementGlobalSequence("jobs")
	if err != nil {
		t.Fatalf("IncrementGlobalSequence: %v", err)
	}
	n2, err := idx.IncrementGlobalSequence("jobs")
	if err != nil {
		t.Fatalf("IncrementGlobalSequence: %v", err)
	}
	if n2 != n1+1 {
		t.Fatalf("expected monotonic increment, got %d then %d", n1, n2)
	}
}

func TestDeleteCascadesAndCollectsAttachments(t *testing.T) {
	idx := openTest(t)
	res, err := idx.Store(sampleInput("pat1", "study1", "series1", "sop1"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	patientInternal, _, err := idx.LookupResource(res.ParentPatient)
	if err != nil {
		t.Fatalf("LookupResource patient: %v", err)
	}
	removed, events, err := idx.Delete(patientInternal)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 attachment collected, got %d", len(removed))
	}
	if len(events) != 4 { // patient, study, series, instance
		t.Fatalf("expected 4 Deleted events, got %d", len(events))
	}
	if _, _, err := idx.LookupResource(res.InstanceID); err == nil {
		t.Fatalf("expected instance to be gone after cascading delete")
	}
}
