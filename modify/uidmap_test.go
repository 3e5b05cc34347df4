package modify_test

import (
	"testing"

	"github.com/dcmstore/dcmstore/dcmtag"
	"github.com/dcmstore/dcmstore/modify"
)

func TestUIDRemapperIsDeterministicWithinARun(t *testing.T) {
	u := modify.NewUIDRemapper()
	first := u.Remap(dcmtag.Study, "1.2.3.4")
	second := u.Remap(dcmtag.Study, "1.2.3.4")
	if first != second {
		t.Fatalf("expected stable remap, got %q then %q", first, second)
	}
	if first == "1.2.3.4" {
		t.Fatal("expected a freshly generated UID, not the original")
	}
}

func TestUIDRemapperDistinguishesLevels(t *testing.T) {
	u := modify.NewUIDRemapper()
	study := u.Remap(dcmtag.Study, "1.2.3.4")
	series := u.Remap(dcmtag.Series, "1.2.3.4")
	if study == series {
		t.Fatal("expected distinct mappings for the same original UID at different levels")
	}
}

func TestUIDRemapperLookupWithoutGenerating(t *testing.T) {
	u := modify.NewUIDRemapper()
	if _, ok := u.Lookup(dcmtag.Study, "1.2.3.4"); ok {
		t.Fatal("expected no mapping before Remap is called")
	}
	mapped := u.Remap(dcmtag.Study, "1.2.3.4")
	got, ok := u.Lookup(dcmtag.Study, "1.2.3.4")
	if !ok || got != mapped {
		t.Fatalf("expected Lookup to return the previously generated mapping, got %q ok=%v", got, ok)
	}
}
