// Package app extracts Bible references from pasted text and uploaded study
// documents, optionally keeping the uploads in object storage.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"phototheology/internal/util"
	"phototheology/pkg/document"
	"phototheology/pkg/scripture"
	"phototheology/pkg/storage"
)

// ErrExtensionNotAllowed rejects uploads outside the configured extensions.
var ErrExtensionNotAllowed = errors.New("file extension not allowed")

// Config holds runtime configuration.
type Config struct {
	// Objects overrides Minio when set.
	Objects           storage.ObjectStore
	Minio             storage.MinioConfig
	LinkExpiry        time.Duration
	AllowedExtensions []string
	Logger            *slog.Logger
}

// Analysis is the reference report for a piece of text.
type Analysis struct {
	References []scripture.Reference `json:"references"`
	Citations  []string              `json:"citations"`
	// Books counts distinct citations per canonical book.
	Books map[string]int `json:"books"`
}

// Document is the report for one uploaded file.
type Document struct {
	ID         string          `json:"id"`
	Filename   string          `json:"filename"`
	Format     document.Format `json:"format"`
	Characters int             `json:"characters"`
	Analysis
	ArchiveKey string `json:"archiveKey,omitempty"`
}

// App is the study service core.
type App struct {
	archive *storage.Archive
	allowed map[string]struct{}
	logger  *slog.Logger
}

// New constructs the study service.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{allowed: normalizeExtensions(cfg.AllowedExtensions), logger: logger}
	objects := cfg.Objects
	if objects == nil && strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		minioStore, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		objects = minioStore
	}
	if objects != nil {
		a.archive = storage.NewArchive(objects, cfg.LinkExpiry)
	}
	return a, nil
}

// Analyze extracts references from text. Markup is stripped first.
func (a *App) Analyze(text string) Analysis {
	refs := scripture.Extract(text)
	out := Analysis{
		References: refs,
		Citations:  make([]string, 0, len(refs)),
		Books:      make(map[string]int),
	}
	if out.References == nil {
		out.References = []scripture.Reference{}
	}
	for _, ref := range refs {
		out.Citations = append(out.Citations, ref.String())
		out.Books[ref.Book]++
	}
	return out
}

// AnalyzeDocument reads an upload, extracts its text and references, and
// archives the original when storage is configured. The caller bounds r.
func (a *App) AnalyzeDocument(ctx context.Context, filename string, r io.Reader) (Document, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := a.allowed[ext]; !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}
	format, ok := document.FormatOf(filename)
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", document.ErrUnsupportedFormat, ext)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read upload: %w", err)
	}
	text, err := document.Text(format, data)
	if err != nil {
		return Document{}, err
	}
	doc := Document{
		ID:         util.NewID(),
		Filename:   filename,
		Format:     format,
		Characters: len([]rune(text)),
		Analysis:   a.Analyze(text),
	}
	if a.archive != nil {
		key, err := a.archive.SaveDocument(ctx, doc.ID, filename, bytes.NewReader(data), int64(len(data)), mime.TypeByExtension(ext))
		if err != nil {
			a.logger.Warn("archive document failed", "document_id", doc.ID, "err", err)
		} else {
			doc.ArchiveKey = key
		}
	}
	a.logger.Info("document analyzed", "document_id", doc.ID, "format", format, "references", len(doc.Citations))
	return doc, nil
}

// Books returns the canonical book list.
func (a *App) Books() []string {
	return scripture.Books()
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = []string{".txt", ".md", ".html", ".htm", ".pdf"}
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}
