// Package storage persists uploaded PDFs and extracted figure images.
// Backends share a naming scheme: stored names carry a Unix-timestamp
// prefix so the same filename can be uploaded repeatedly without
// collision, and figure images encode their page and figure number.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Store abstracts the file backend so services run against local disk
// in development and S3-compatible object storage in production.
type Store interface {
	// SavePDF stores an uploaded document and returns its storage path
	// and size in bytes.
	SavePDF(ctx context.Context, originalName string, r io.Reader) (string, int64, error)

	// SaveFigure stores an extracted figure image and returns its path.
	SaveFigure(ctx context.Context, documentName string, page, figure int, data []byte) (string, error)

	// Open streams a stored object.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Remove deletes a stored object. Removing a missing object is not
	// an error.
	Remove(ctx context.Context, path string) error
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeName strips path components and unsafe characters from a
// client-supplied filename.
func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	if base == "" || base == "." || base == ".." {
		base = "document.pdf"
	}
	return base
}

// pdfObjectName builds the stored name for an uploaded PDF. Duplicate
// filenames are accepted; the timestamp prefix keeps them distinct.
func pdfObjectName(originalName string, now time.Time) string {
	return fmt.Sprintf("%d_%s", now.Unix(), sanitizeName(originalName))
}

// figureObjectName builds the stored name for a figure image.
func figureObjectName(documentName string, page, figure int, now time.Time) string {
	base := sanitizeName(documentName)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return fmt.Sprintf("%d_%s_p%d_fig%d.png", now.Unix(), base, page, figure)
}
