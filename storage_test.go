package nanodb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDatafileIntegrityCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	if err := ensureDatafileIntegrity(path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected datafile to be created, got %v", err)
	}
}

func TestEnsureDatafileIntegrityRecoversFromTempSibling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	tempPath := path + tempSuffix
	if err := os.WriteFile(tempPath, []byte("recovered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ensureDatafileIntegrity(path); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "recovered" {
		t.Errorf("expected recovered temp file contents, got %q", content)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("expected the temp sibling to be gone after rename")
	}
}

func TestEnsureDatafileIntegrityLeavesExistingFileAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	if err := os.WriteFile(path, []byte("untouched"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ensureDatafileIntegrity(path); err != nil {
		t.Fatal(err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "untouched" {
		t.Errorf("expected file to be left alone, got %q", content)
	}
}

func TestCrashSafeWriteFileLeavesNoTempSiblingOnSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	if err := crashSafeWriteFile(path, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello" {
		t.Errorf("expected hello, got %q", content)
	}
	if _, err := os.Stat(path + tempSuffix); !os.IsNotExist(err) {
		t.Error("expected no leftover temp sibling after a successful write")
	}
}

func TestCrashSafeWriteFileOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := crashSafeWriteFile(path, []byte("new")); err != nil {
		t.Fatal(err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "new" {
		t.Errorf("expected new, got %q", content)
	}
}

func TestAppendBlobCreatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.db")
	if err := appendBlob(path, []byte("one\n")); err != nil {
		t.Fatal(err)
	}
	if err := appendBlob(path, []byte("two\n")); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "one\ntwo\n" {
		t.Errorf("unexpected appended content: %q", content)
	}
}
