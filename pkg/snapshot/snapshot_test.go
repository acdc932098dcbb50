package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"pagedb/pkg/engine"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSnapshot_ExportImportRoundtrip(t *testing.T) {
	src := openEngine(t)

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%02d", i)
		v := fmt.Sprintf("value-%d", i)
		if err := src.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		want[k] = v
	}
	// Deleted keys must not appear in the snapshot.
	if err := src.Delete([]byte("key-10")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	delete(want, "key-10")

	var buf bytes.Buffer
	n, err := Export(src, &buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != len(want) {
		t.Fatalf("Expected %d exported entries, got %d", len(want), n)
	}

	dst := openEngine(t)
	imported, err := Import(dst, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported != len(want) {
		t.Fatalf("Expected %d imported entries, got %d", len(want), imported)
	}

	for k, v := range want {
		value, found, err := dst.Get([]byte(k))
		if err != nil || !found {
			t.Fatalf("Get(%q): found=%v err=%v", k, found, err)
		}
		if string(value) != v {
			t.Fatalf("Get(%q): expected %q, got %q", k, v, value)
		}
	}
	if _, found, _ := dst.Get([]byte("key-10")); found {
		t.Fatal("Deleted key leaked through the snapshot")
	}
}

func TestSnapshot_ImportRejectsBadMagic(t *testing.T) {
	dst := openEngine(t)

	if _, err := Import(dst, bytes.NewReader([]byte("not a snapshot at all"))); err == nil {
		t.Fatal("Expected error for bad magic")
	}
	if st := dst.Stats(); st.Keys != 0 {
		t.Fatalf("Rejected import must not write, got %d keys", st.Keys)
	}
}

func TestSnapshot_EmptyStore(t *testing.T) {
	src := openEngine(t)

	var buf bytes.Buffer
	n, err := Export(src, &buf)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("Expected 0 entries, got %d", n)
	}

	dst := openEngine(t)
	if imported, err := Import(dst, bytes.NewReader(buf.Bytes())); err != nil || imported != 0 {
		t.Fatalf("Import of empty snapshot: n=%d err=%v", imported, err)
	}
}

func TestSnapshot_FileRoundtrip(t *testing.T) {
	src := openEngine(t)
	if err := src.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "store.snap")
	if _, err := ExportFile(src, path); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("Temp file left behind after export")
	}

	dst := openEngine(t)
	if n, err := ImportFile(dst, path); err != nil || n != 1 {
		t.Fatalf("ImportFile: n=%d err=%v", n, err)
	}
	value, found, err := dst.Get([]byte("k"))
	if err != nil || !found || string(value) != "v" {
		t.Fatalf("Get after import: %q found=%v err=%v", value, found, err)
	}
}
