package media

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStaging(t *testing.T) *Staging {
	t.Helper()
	staging, err := NewStaging(Config{
		Dir:           t.TempDir(),
		BaseURL:       "http://media.test/",
		TTL:           time.Hour,
		SweepInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewStaging err: %v", err)
	}
	return staging
}

func TestStageWritesRetrievableFile(t *testing.T) {
	staging := newTestStaging(t)

	staged, err := staging.Stage([]byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	if !strings.HasSuffix(staged.Name, ".png") {
		t.Fatalf("expected png extension, got %s", staged.Name)
	}
	if staged.URL != "http://media.test/temp/"+staged.Name {
		t.Fatalf("unexpected url: %s", staged.URL)
	}
	if !staged.DeleteAfter.Equal(staged.CreatedAt.Add(time.Hour)) {
		t.Fatalf("deleteAfter must be createdAt + ttl")
	}

	data, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("ReadFile err: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestStageUsesUniqueNames(t *testing.T) {
	staging := newTestStaging(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		staged, err := staging.StageReader(bytes.NewReader([]byte("x")), "application/x-unknown")
		if err != nil {
			t.Fatalf("StageReader err: %v", err)
		}
		if seen[staged.Name] {
			t.Fatalf("duplicate staged name %s", staged.Name)
		}
		seen[staged.Name] = true
		if filepath.Ext(staged.Name) != ".bin" {
			t.Fatalf("expected bin fallback, got %s", staged.Name)
		}
	}
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	staging := newTestStaging(t)

	staged, err := staging.Stage([]byte("ogg"), "audio/ogg; codecs=opus")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	if removed := staging.Sweep(); removed != 0 {
		t.Fatalf("fresh file must survive sweep, removed %d", removed)
	}

	staging.now = func() time.Time { return time.Now().Add(time.Hour + time.Minute) }
	if removed := staging.Sweep(); removed != 1 {
		t.Fatalf("expected one expired file removed, got %d", removed)
	}

	if _, err := os.Stat(staged.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected staged file to be absent, stat err: %v", err)
	}
}

func TestRemoveTwiceIsNotAnError(t *testing.T) {
	staging := newTestStaging(t)

	staged, err := staging.Stage([]byte("pdf"), "application/pdf")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	staging.Remove(staged.Name)
	staging.Remove(staged.Name)

	staging.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if removed := staging.Sweep(); removed != 0 {
		t.Fatalf("nothing left to sweep, removed %d", removed)
	}
}

func TestRemoveReportsOnlyActualDeletes(t *testing.T) {
	staging := newTestStaging(t)

	staged, err := staging.Stage([]byte("jpg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	if !staging.remove(staged.Path) {
		t.Fatal("first remove should report a delete")
	}
	if staging.remove(staged.Path) {
		t.Fatal("second remove must not report a delete")
	}
}

func TestSweepCountsOnlyFilesItDeleted(t *testing.T) {
	staging := newTestStaging(t)

	kept, err := staging.Stage([]byte("a"), "image/png")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}
	gone, err := staging.Stage([]byte("b"), "image/png")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	// a file that vanishes between listing and delete is not counted
	staging.now = func() time.Time {
		staging.Remove(gone.Name)
		return time.Now().Add(2 * time.Hour)
	}
	if removed := staging.Sweep(); removed != 1 {
		t.Fatalf("expected one counted removal, got %d", removed)
	}
	if _, err := os.Stat(kept.Path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected expired file removed, stat err: %v", err)
	}
}

func TestPerFileTimerDeletesFile(t *testing.T) {
	staging, err := NewStaging(Config{Dir: t.TempDir(), BaseURL: "http://media.test", TTL: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewStaging err: %v", err)
	}

	staged, err := staging.Stage([]byte("gif"), "image/gif")
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(staged.Path); errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("staged file outlived its timer")
}

func TestStageFailureIsStagingFailed(t *testing.T) {
	staging := newTestStaging(t)
	staging.dir = filepath.Join(staging.dir, "missing", "nested")

	if _, err := staging.Stage([]byte("x"), "text/plain"); !errors.Is(err, ErrStagingFailed) {
		t.Fatalf("expected ErrStagingFailed, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"image/jpeg":             "jpg",
		"IMAGE/PNG":              "png",
		"audio/ogg; codecs=opus": "ogg",
		"text/plain":             "txt",
		"application/octet":      "bin",
		"":                       "bin",
	}
	for in, want := range cases {
		if got := ExtensionFor(in); got != want {
			t.Fatalf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}
