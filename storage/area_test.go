package storage

import (
	"os"
	"testing"

	"github.com/dcmstore/dcmstore/cmn"
)

func newTestArea(t *testing.T) *FilesystemArea {
	t.Helper()
	dir := t.TempDir()
	a, err := NewFilesystemArea(dir, CompressionNone, nil)
	if err != nil {
		t.Fatalf("NewFilesystemArea: %v", err)
	}
	return a
}

func TestCreateReadRoundTrip(t *testing.T) {
	a := newTestArea(t)
	uuid := "11112222-3333-4444-5555-666677778888"
	payload := []byte("hello dicom")

	if _, err := a.Create(uuid, payload, ContentDicom, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := a.Read(uuid, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestCreateDuplicateIsHardError(t *testing.T) {
	a := newTestArea(t)
	uuid := "aaaa0000-0000-0000-0000-000000000000"
	if _, err := a.Create(uuid, []byte("x"), ContentDicom, false, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := a.Create(uuid, []byte("y"), ContentDicom, false, nil); err == nil {
		t.Fatalf("expected error on duplicate create")
	} else if cmn.KindOf(err) != cmn.CannotStoreInstance {
		t.Fatalf("expected CannotStoreInstance, got %v", cmn.KindOf(err))
	}
}

func TestReadRange(t *testing.T) {
	a := newTestArea(t)
	uuid := "bbbb0000-0000-0000-0000-000000000000"
	payload := []byte("0123456789")
	if _, err := a.Create(uuid, payload, ContentDicom, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !a.HasReadRange() {
		t.Fatalf("expected native range read support when uncompressed")
	}
	got, err := a.ReadRange(uuid, "", 2, 5)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(got) != "234" {
		t.Fatalf("got %q want %q", got, "234")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	a := newTestArea(t)
	uuid := "cccc0000-0000-0000-0000-000000000000"
	if err := a.Remove(uuid, ""); err != nil {
		t.Fatalf("Remove on missing uuid should be a no-op: %v", err)
	}
	if _, err := a.Create(uuid, []byte("x"), ContentDicom, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Remove(uuid, ""); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := a.Remove(uuid, ""); err != nil {
		t.Fatalf("second Remove should still be a no-op: %v", err)
	}
	if _, err := a.Read(uuid, ""); err == nil {
		t.Fatalf("expected read of removed uuid to fail")
	}
}

func TestCompressedAreaHasNoRangeRead(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFilesystemArea(dir, CompressionZlib, nil)
	if err != nil {
		t.Fatalf("NewFilesystemArea: %v", err)
	}
	if a.HasReadRange() {
		t.Fatalf("compressed area must not advertise native range reads")
	}
	uuid := "dddd0000-0000-0000-0000-000000000000"
	payload := []byte("compressed payload round trip")
	if _, err := a.Create(uuid, payload, ContentDicom, true, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := a.Read(uuid, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestListAllFiles(t *testing.T) {
	a := newTestArea(t)
	ids := []string{"e1110000-0000-0000-0000-000000000000", "e2220000-0000-0000-0000-000000000000"}
	for _, id := range ids {
		if _, err := a.Create(id, []byte("x"), ContentDicom, false, nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	files, err := a.ListAllFiles()
	if err != nil {
		t.Fatalf("ListAllFiles: %v", err)
	}
	if len(files) != len(ids) {
		t.Fatalf("got %d files want %d", len(files), len(ids))
	}
}

func TestAdvancedLayoutFallsBackWhenEscaping(t *testing.T) {
	dir := t.TempDir()
	layout := NewAdvancedLayout([]string{"StudyDate"}, 255)
	a, err := NewFilesystemArea(dir, CompressionNone, layout)
	if err != nil {
		t.Fatalf("NewFilesystemArea: %v", err)
	}
	uuid := "ffff0000-0000-0000-0000-000000000000"
	tags := map[string]string{"StudyDate": "../../etc"}
	custom, err := a.Create(uuid, []byte("x"), ContentDicom, false, tags)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if custom != "" {
		t.Fatalf("expected fallback to default layout (empty custom-data), got %q", custom)
	}
	if _, err := os.Stat(dir + "/" + uuid[0:2] + "/" + uuid[2:4] + "/" + uuid); err != nil {
		t.Fatalf("expected default-layout file to exist: %v", err)
	}
}
