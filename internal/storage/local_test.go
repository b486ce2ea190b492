package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	nerrors "github.com/pvforecast/nwplake/internal/errors"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	// Create temp directories
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	// Create a test file
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.grib")
	content := []byte("GRIB payload")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	// Test Upload
	objectPath := "versioned_nwp/_data/time_utc=2024-05-01T06:00:00.000/.jsz"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Test Exists
	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	// Test Download
	dstPath := filepath.Join(srcDir, "downloaded.grib")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	// Test Delete
	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_UploadMultipartReturnsETag(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(srcPath, []byte("multipart test content"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	etag, err := storage.UploadMultipart(context.Background(), srcPath, "multipart/object.txt")
	if err != nil {
		t.Fatalf("UploadMultipart failed: %v", err)
	}
	if len(etag) != 32 {
		t.Errorf("expected md5 hex etag, got %q", etag)
	}
}

func TestLocalStorage_PutGetOverwrites(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	if err := storage.Put(ctx, "ds/_metadata.json", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := storage.Put(ctx, "ds/_metadata.json", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := storage.Get(ctx, "ds/_metadata.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("got %q, want overwritten content", got)
	}

	// no temporary files are left behind
	objects, err := storage.ListObjects(ctx, "ds/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if !reflect.DeepEqual(objects, []string{"ds/_metadata.json"}) {
		t.Errorf("unexpected objects %v", objects)
	}
}

func TestLocalStorage_Append(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, chunk := range []string{"run_id\n", "a\n", "b\n"} {
		if err := storage.Append(ctx, "log/.csv", []byte(chunk)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := storage.Get(ctx, "log/.csv")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "run_id\na\nb\n" {
		t.Errorf("got %q", got)
	}
}

func TestLocalStorage_NotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")

	err = storage.Download(ctx, "nonexistent/object.txt", dstPath)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if !errors.Is(err, nerrors.ErrStorageNotFound) {
		t.Errorf("expected storage not-found kind, got %v", err)
	}

	_, err = storage.Get(ctx, "nonexistent/object.txt")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound from Get, got %v", err)
	}
	if nerrors.IsRetryable(err) {
		t.Error("not-found must not be retryable")
	}
}

func TestLocalStorage_ListObjectsPrefix(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, p := range []string{"b/_data/x=2/.jsz", "b/_data/x=1/.jsz", "b/_metadata.json", "bb/_metadata.json", "c/.csv"} {
		if err := storage.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", p, err)
		}
	}

	got, err := storage.ListObjects(ctx, "b/_data/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"b/_data/x=1/.jsz", "b/_data/x=2/.jsz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = storage.ListObjects(ctx, "b")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("string prefix should match b/ and bb/, got %v", got)
	}

	got, err = storage.ListObjects(ctx, "missing/")
	if err != nil || len(got) != 0 {
		t.Errorf("missing prefix: got %v, %v", got, err)
	}
}

func TestLocalStorage_DeletePrefix(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, p := range []string{"ds/_metadata.json", "ds/_data/k=1/.jsz", "other/_metadata.json"} {
		if err := storage.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := storage.DeletePrefix(ctx, "ds/"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	got, _ := storage.ListObjects(ctx, "")
	if !reflect.DeepEqual(got, []string{"other/_metadata.json"}) {
		t.Errorf("unexpected remaining objects %v", got)
	}
	if _, err := os.Stat(filepath.Join(baseDir, "ds", "_data")); !os.IsNotExist(err) {
		t.Error("expected empty directories to be pruned")
	}
}

func TestLocalStorage_Clear(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Put(ctx, "a/b", []byte("test")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := storage.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	exists, err := storage.Exists(ctx, "a/b")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected storage to be empty after Clear")
	}
}
