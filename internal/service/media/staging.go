package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublicPrefix is the URL path staged files are served under.
const PublicPrefix = "/temp/"

var ErrStagingFailed = errors.New("staging failed")

// mimeToExt is the fixed lookup used to name staged files.
var mimeToExt = map[string]string{
	"image/jpeg":         "jpg",
	"image/png":          "png",
	"image/gif":          "gif",
	"image/webp":         "webp",
	"video/mp4":          "mp4",
	"video/avi":          "avi",
	"video/mov":          "mov",
	"video/webm":         "webm",
	"audio/mpeg":         "mp3",
	"audio/wav":          "wav",
	"audio/ogg":          "ogg",
	"audio/aac":          "aac",
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	"application/zip": "zip",
	"text/plain":      "txt",
}

// ExtensionFor returns the file extension for a mimetype, "bin" when unknown.
// Parameters such as "; codecs=opus" are ignored.
func ExtensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := mimeToExt[strings.ToLower(strings.TrimSpace(base))]; ok {
		return ext
	}
	return "bin"
}

// Config controls where and for how long files are staged.
type Config struct {
	Dir           string
	BaseURL       string
	TTL           time.Duration
	SweepInterval time.Duration
}

// StagedFile is a transient artifact backing a public media URL.
type StagedFile struct {
	Name        string    `json:"name"`
	Path        string    `json:"-"`
	URL         string    `json:"url"`
	MimeType    string    `json:"mimetype"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	DeleteAfter time.Time `json:"deleteAfter"`
}

// Staging manages a directory of short-lived files. Every file gets its own
// deletion timer and a periodic sweep removes anything the timers missed.
type Staging struct {
	dir           string
	baseURL       string
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// NewStaging prepares the staging directory.
func NewStaging(cfg Config) (*Staging, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", cfg.Dir, err)
	}
	return &Staging{
		dir:           cfg.Dir,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
	}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// TTL returns the lifetime of staged files.
func (s *Staging) TTL() time.Duration {
	return s.ttl
}

// Stage writes data to a fresh uniquely named file and schedules its deletion.
func (s *Staging) Stage(data []byte, mimeType string) (StagedFile, error) {
	return s.write(mimeType, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
}

// StageReader is Stage for streamed uploads.
func (s *Staging) StageReader(r io.Reader, mimeType string) (StagedFile, error) {
	return s.write(mimeType, func(w io.Writer) (int64, error) {
		return io.Copy(w, r)
	})
}

func (s *Staging) write(mimeType string, fill func(io.Writer) (int64, error)) (StagedFile, error) {
	name := uuid.NewString() + "." + ExtensionFor(mimeType)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return StagedFile{}, fmt.Errorf("%w: create %s: %v", ErrStagingFailed, name, err)
	}
	size, err := fill(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.remove(path)
		return StagedFile{}, fmt.Errorf("%w: write %s: %v", ErrStagingFailed, name, err)
	}

	created := s.now()
	staged := StagedFile{
		Name:        name,
		Path:        path,
		URL:         s.baseURL + PublicPrefix + name,
		MimeType:    mimeType,
		Size:        size,
		CreatedAt:   created,
		DeleteAfter: created.Add(s.ttl),
	}

	time.AfterFunc(s.ttl, func() {
		s.remove(path)
	})

	log.Printf("[media] staged %s size=%d ttl=%s", name, size, s.ttl)
	return staged, nil
}

// Remove deletes a staged file by name. Removing a missing file is a no-op.
func (s *Staging) Remove(name string) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return
	}
	s.remove(filepath.Join(s.dir, name))
}

// remove is the single idempotent delete primitive shared by timers and sweeps.
// It reports whether this call deleted the file.
func (s *Staging) remove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Printf("[media] failed to delete %s: %v", filepath.Base(path), err)
	}
	return false
}

// Sweep deletes every file older than the TTL and returns how many it removed.
func (s *Staging) Sweep() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("[media] sweep read dir failed: %v", err)
		return 0
	}

	now := s.now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed by its own timer after ReadDir
			continue
		}
		if now.Sub(info.ModTime()) <= s.ttl {
			continue
		}
		if s.remove(filepath.Join(s.dir, entry.Name())) {
			removed++
		}
	}

	if removed > 0 {
		log.Printf("[media] sweep removed %d expired files", removed)
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Staging) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
