package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// LocalStore keeps uploads and figures on the local filesystem, under
// uploads/ and figures/ subdirectories of the configured root.
type LocalStore struct {
	root string
}

// NewLocalStore creates the directory layout under root.
func NewLocalStore(root string) (*LocalStore, error) {
	for _, dir := range []string{"uploads", "figures"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}
	return &LocalStore{root: root}, nil
}

// SavePDF stores an uploaded document under uploads/.
func (s *LocalStore) SavePDF(ctx context.Context, originalName string, r io.Reader) (string, int64, error) {
	rel := filepath.Join("uploads", pdfObjectName(originalName, time.Now()))
	abs := filepath.Join(s.root, rel)

	f, err := os.Create(abs)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(abs)
		return "", 0, fmt.Errorf("failed to write upload file: %w", err)
	}
	return rel, size, nil
}

// SaveFigure stores an extracted figure image under figures/.
func (s *LocalStore) SaveFigure(ctx context.Context, documentName string, page, figure int, data []byte) (string, error) {
	rel := filepath.Join("figures", figureObjectName(documentName, page, figure, time.Now()))
	abs := filepath.Join(s.root, rel)

	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write figure file: %w", err)
	}
	return rel, nil
}

// Open streams a stored object.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.Clean(path)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes a stored object, tolerating absence.
func (s *LocalStore) Remove(ctx context.Context, path string) error {
	err := os.Remove(filepath.Join(s.root, filepath.Clean(path)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
