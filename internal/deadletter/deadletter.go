// Package deadletter writes events that could not be persisted to
// append-only JSON files for operator inspection.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/ernie/squad-tracker/internal/domain"
)

const (
	extJSON = ".json"
	extGzip = ".json.gz"
)

// Failure describes why a batch was dead-lettered
type Failure struct {
	Message     string    `json:"message"`
	Chain       []string  `json:"chain,omitempty"` // wrapped errors, outermost first
	Type        string    `json:"type"`
	Code        string    `json:"code,omitempty"`
	RetryCount  int       `json:"retryCount"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// Entry is one dead-letter file
type Entry struct {
	ID        string            `json:"id"`
	EventType domain.EventKind  `json:"eventType"`
	Timestamp time.Time         `json:"timestamp"`
	Count     int               `json:"count"`
	Events    []domain.RawEvent `json:"events"`
	Error     Failure           `json:"error"`
}

// NewFailure captures err with its unwrapped chain
func NewFailure(err error, retryCount int, at time.Time) Failure {
	f := Failure{RetryCount: retryCount, LastAttempt: at.UTC()}
	if err == nil {
		f.Message = "unknown error"
		f.Type = "nil"
		return f
	}

	f.Message = err.Error()
	root := err
	for e := err; e != nil; e = errors.Unwrap(e) {
		f.Chain = append(f.Chain, e.Error())
		root = e
	}
	f.Type = fmt.Sprintf("%T", root)
	f.Code = errorCode(err)
	return f
}

// errorCode pulls a driver error code out of the chain when one is present
func errorCode(err error) string {
	var sqlState interface{ SQLState() string }
	if errors.As(err, &sqlState) {
		return sqlState.SQLState()
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return fmt.Sprintf("%d", coded.Code())
	}
	return ""
}

// Sink writes dead-letter files into one directory
type Sink struct {
	dir      string
	compress bool
	now      func() time.Time
}

// New creates the sink, creating dir if needed
func New(dir string, compress bool) (*Sink, error) {
	if dir == "" {
		return nil, errors.New("dead-letter path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dead-letter directory: %w", err)
	}
	return &Sink{dir: dir, compress: compress, now: time.Now}, nil
}

// Dir returns the directory files are written to
func (s *Sink) Dir() string {
	return s.dir
}

// Write records events with the failure that sent them here and returns the new file's path.
// The file appears under its final name only once fully written.
func (s *Sink) Write(ctx context.Context, kind domain.EventKind, events []domain.RawEvent, failure Failure) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now().UTC()
	id := uuid.New()
	entry := Entry{
		ID:        id.String(),
		EventType: kind,
		Timestamp: now,
		Count:     len(events),
		Events:    events,
		Error:     failure,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding dead-letter entry: %w", err)
	}

	ext := extJSON
	if s.compress {
		ext = extGzip
	}
	name := fmt.Sprintf("%s_%s_%s%s", kind, now.Format("2006-01-02T15-04-05-000Z"), id.String()[:8], ext)
	path := filepath.Join(s.dir, name)

	if err := s.writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Sink) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	var w io.Writer = tmp
	var zw *gzip.Writer
	if s.compress {
		zw = gzip.NewWriter(tmp)
		w = zw
	}
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing dead-letter file: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("compressing dead-letter file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing dead-letter file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing dead-letter file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming dead-letter file: %w", err)
	}
	return nil
}

// FileInfo summarises one dead-letter file
type FileInfo struct {
	Path    string
	Kind    domain.EventKind
	Size    int64
	ModTime time.Time
}

// List returns the dead-letter files in dir, oldest first
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, extJSON) && !strings.HasSuffix(name, extGzip) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		// kinds contain underscores, so cut at the timestamp
		var kind string
		if i := strings.Index(name, "_20"); i > 0 {
			kind = name[:i]
		}
		files = append(files, FileInfo{
			Path:    filepath.Join(dir, name),
			Kind:    domain.EventKind(kind),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// List returns this sink's files
func (s *Sink) List() ([]FileInfo, error) {
	return List(s.dir)
}

// Read decodes a dead-letter file, decompressing it when needed
func Read(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &entry, nil
}
