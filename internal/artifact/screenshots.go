package artifact

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimestampLayout is the UTC suffix of every screenshot file name.
const TimestampLayout = "2006-01-02T150405Z"

// Screenshots writes PNG captures under Root as <prefix>_<timestamp>.png.
type Screenshots struct {
	Root string
	now  func() time.Time
}

func NewScreenshots(root string) *Screenshots {
	return &Screenshots{Root: root, now: time.Now}
}

// WithClock replaces the timestamp source.
func (s *Screenshots) WithClock(now func() time.Time) *Screenshots {
	s.now = now
	return s
}

// Name returns the file name a capture taken at t gets.
func Name(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.png", sanitize(prefix), t.UTC().Format(TimestampLayout))
}

func (s *Screenshots) Save(prefix string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("save %s: empty image", prefix)
	}
	return s.put(Name(prefix, s.now()), bytes.NewReader(png))
}

func (s *Screenshots) put(relPath string, r io.Reader) (string, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(s.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return abs, nil
}

// sanitize keeps prefixes to a single path segment.
func sanitize(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "screenshot"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, prefix)
}
