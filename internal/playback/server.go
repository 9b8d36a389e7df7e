// Package playback serves stored media files over HTTP with byte-range
// support, so the analysis service and browsers can stream them.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/reelscope/reelscope/internal/logging"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotFound    = errors.New("file not found")
)

// Server serves files from a single root directory. Names are single path
// elements; anything that could step outside the root is rejected.
type Server struct {
	root   string
	logger *slog.Logger
}

func NewServer(root string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{root: root, logger: logger}
}

func (s *Server) Root() string {
	return s.root
}

// ValidName reports whether name is a plain file name.
func ValidName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// Resolve maps the path elements to a regular file under the root.
func (s *Server) Resolve(elems ...string) (string, os.FileInfo, error) {
	if len(elems) == 0 {
		return "", nil, ErrInvalidName
	}
	for _, e := range elems {
		if !ValidName(e) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidName, e)
		}
	}
	p := filepath.Join(append([]string{s.root}, elems...)...)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, ErrNotFound
	}
	return p, info, nil
}

// ServeFile writes the named file, honoring Range and conditional headers.
// A returned error means nothing has been written yet.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, elems ...string) error {
	p, info, err := s.Resolve(elems...)
	if err != nil {
		return err
	}

	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(p))
	w.Header().Set("Accept-Ranges", "bytes")

	s.logger.Debug("serving file", "path", logging.SanitizePath(p), "range", r.Header.Get("Range"))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return nil
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

func contentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// FileInfo is one entry of a directory listing.
type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"isDirectory"`
	Modified string `json:"modified"`
}

// List returns the entries of a sub-directory of the root.
func (s *Server) List(dir string) ([]FileInfo, error) {
	if !ValidName(dir) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, dir)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			IsDir:    e.IsDir(),
			Modified: info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return files, nil
}
