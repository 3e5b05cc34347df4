package modify_test

import (
	"testing"

	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/modify"
)

func TestValidateRejectsIdentifierReplacementWithoutFlag(t *testing.T) {
	prog := &modify.Program{
		Replacements: []modify.Replacement{
			{Target: modify.TagTarget(dcmtag.TagStudyInstanceUID), Value: "1.2.3"},
		},
	}
	if err := prog.Validate(true); err == nil {
		t.Fatal("expected error replacing StudyInstanceUID without AllowManualIdentifiers")
	}
}

func TestValidateAllowsIdentifierReplacementWithFlag(t *testing.T) {
	prog := &modify.Program{
		AllowManualIdentifiers: true,
		KeepSource:             true,
		Replacements: []modify.Replacement{
			{Target: modify.TagTarget(dcmtag.TagStudyInstanceUID), Value: "1.2.3"},
		},
	}
	if err := prog.Validate(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsKeepAllUIDsWithoutOverwrite(t *testing.T) {
	prog := &modify.Program{
		AllowManualIdentifiers: true,
		KeepSource:             true,
		Keeps: []modify.Target{
			modify.TagTarget(dcmtag.TagStudyInstanceUID),
			modify.TagTarget(dcmtag.TagSeriesInstanceUID),
			modify.TagTarget(dcmtag.TagSOPInstanceUID),
		},
	}
	if err := prog.Validate(false); err == nil {
		t.Fatal("expected error keeping all three UIDs without global OverwriteInstances")
	}
	if err := prog.Validate(true); err != nil {
		t.Fatalf("unexpected error once OverwriteInstances is enabled: %v", err)
	}
}
