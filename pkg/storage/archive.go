package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"phototheology/pkg/domain"
)

const (
	resultsPrefix   = "results/"
	documentsPrefix = "documents/"
	// DefaultLinkExpiry bounds presigned download links.
	DefaultLinkExpiry = 15 * time.Minute
)

// Results is the archived record of a completed event.
type Results struct {
	Event       domain.Event              `json:"event"`
	Prompts     []domain.Prompt           `json:"prompts"`
	Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
	ArchivedAt  time.Time                 `json:"archivedAt"`
}

// ResultsKey is the object key holding an event's results.
func ResultsKey(eventID string) string {
	return resultsPrefix + eventID + ".json"
}

// DocumentKey is the object key for an uploaded study document.
func DocumentKey(id, filename string) string {
	return documentsPrefix + id + "/" + sanitizeName(filename)
}

// Archive writes results and documents through an ObjectStore.
type Archive struct {
	objects    ObjectStore
	linkExpiry time.Duration
}

// NewArchive wraps objects. A zero expiry uses DefaultLinkExpiry.
func NewArchive(objects ObjectStore, linkExpiry time.Duration) *Archive {
	if linkExpiry <= 0 {
		linkExpiry = DefaultLinkExpiry
	}
	return &Archive{objects: objects, linkExpiry: linkExpiry}
}

// SaveResults stores the results of a completed event.
func (a *Archive) SaveResults(ctx context.Context, res Results) (string, error) {
	if res.Event.Status != domain.EventCompleted {
		return "", errors.New("only completed events can be archived")
	}
	if res.ArchivedAt.IsZero() {
		res.ArchivedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	key := ResultsKey(res.Event.ID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// ResultsURL returns a download link for archived results.
func (a *Archive) ResultsURL(ctx context.Context, eventID string) (string, error) {
	key := ResultsKey(eventID)
	ok, err := a.objects.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrObjectNotFound
	}
	return a.objects.PresignGet(ctx, key, a.linkExpiry)
}

// SaveDocument stores an uploaded document and returns its key.
func (a *Archive) SaveDocument(ctx context.Context, id, filename string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := DocumentKey(id, filename)
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return "", err
	}
	return key, nil
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			return r
		case unicode.IsSpace(r):
			return '_'
		}
		return -1
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "document"
	}
	return name
}
