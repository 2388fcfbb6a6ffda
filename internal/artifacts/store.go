// Package artifacts stores screenshots and reports of a run and packs them
// into an evidence bundle.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Artifact is one file written during the run
type Artifact struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store handles artifact persistence for one run
type Store struct {
	files   sync.Map // path -> Artifact
	baseDir string
	runID   string
}

// NewStore creates the run directory under baseDir
func NewStore(baseDir, runID string) (*Store, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(filepath.Join(dir, "screenshots"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	return &Store{baseDir: baseDir, runID: runID}, nil
}

// Dir returns the run directory
func (s *Store) Dir() string {
	return filepath.Join(s.baseDir, s.runID)
}

// RunID returns the run identifier
func (s *Store) RunID() string {
	return s.runID
}

// SaveScreenshot writes a PNG and returns its path
func (s *Store) SaveScreenshot(name string, png []byte) (string, error) {
	path := filepath.Join(s.Dir(), "screenshots", sanitize(name)+".png")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(s.Dir(), "screenshots", fmt.Sprintf("%s-%s.png", sanitize(name), uuid.New().String()[:8]))
	}

	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}

	s.files.Store(path, Artifact{Kind: "screenshot", Path: path, CreatedAt: time.Now()})
	return path, nil
}

// WriteJSON writes v as indented JSON under the run directory
func (s *Store) WriteJSON(name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}

	path := filepath.Join(s.Dir(), sanitize(name)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	s.files.Store(path, Artifact{Kind: "report", Path: path, CreatedAt: time.Now()})
	return path, nil
}

// Artifacts lists every file written so far, oldest first
func (s *Store) Artifacts() []Artifact {
	var out []Artifact
	s.files.Range(func(_, value any) bool {
		out = append(out, value.(Artifact))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Bundle compresses the run directory into <baseDir>/<runID>.tar.gz
func (s *Store) Bundle() (string, error) {
	archivePath := filepath.Join(s.baseDir, fmt.Sprintf("%s.tar.gz", s.runID))

	if err := compressDirectory(s.Dir(), archivePath); err != nil {
		return "", fmt.Errorf("failed to bundle artifacts: %w", err)
	}
	return archivePath, nil
}

// Extract unpacks a bundle into target
func Extract(archivePath, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create extract directory: %w", err)
	}
	if err := extractDirectory(archivePath, target); err != nil {
		return fmt.Errorf("failed to extract bundle: %w", err)
	}
	return nil
}

// Shooter takes raw screenshots
type Shooter interface {
	CaptureScreenshot(ctx context.Context) ([]byte, error)
}

// Camera captures screenshots from a tab straight into the store
type Camera struct {
	store   *Store
	shooter Shooter
}

// NewCamera binds a shooter to the store
func NewCamera(store *Store, shooter Shooter) *Camera {
	return &Camera{store: store, shooter: shooter}
}

// CaptureScreenshot takes a screenshot and returns its stored path
func (c *Camera) CaptureScreenshot(ctx context.Context, name string) (string, error) {
	png, err := c.shooter.CaptureScreenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return c.store.SaveScreenshot(name, png)
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "artifact"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
}

// extractDirectory extracts a tar.gz archive, rejecting entries that escape target
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	root := filepath.Clean(target) + string(os.PathSeparator)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, header.Name)
		if !strings.HasPrefix(targetPath, root) {
			return fmt.Errorf("illegal path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}
}
