package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"phototheology/services/study/internal/app"
)

func newTestServer(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	core, err := app.New(context.Background(), app.Config{})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg.App = core
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Router()
}

func upload(t *testing.T, h http.Handler, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "203.0.113.9:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReferencesEndpoint(t *testing.T) {
	h := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/references", strings.NewReader(`{"text":"1 Cor 5:7 and 1 Corinthians 5:7 and Heb 9:11-12"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got app.Analysis
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(got.Citations, "|") != "1 Corinthians 5:7|Hebrews 9:11-12" {
		t.Fatalf("citations = %v", got.Citations)
	}

	req = httptest.NewRequest(http.MethodPost, "/references", strings.NewReader(`{`))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}
}

func TestBooksEndpoint(t *testing.T) {
	h := newTestServer(t, Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books", nil))
	var got struct {
		Items []string `json:"items"`
		Count int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count != 66 || got.Items[0] != "Genesis" || got.Items[65] != "Revelation" {
		t.Fatalf("books = %d %v", got.Count, got.Items)
	}
}

func TestDocumentUpload(t *testing.T) {
	h := newTestServer(t, Config{MaxUploadBytes: 4 << 10})

	rec := upload(t, h, "tabernacle.txt", "The court (Exodus 27:9), the holy place (Hebrews 9:2).")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var doc app.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID == "" || len(doc.Citations) != 2 || doc.Citations[0] != "Exodus 27:9" {
		t.Fatalf("document = %+v", doc)
	}

	if rec := upload(t, h, "slides.pptx", "x"); rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("pptx: status = %d", rec.Code)
	}
	if rec := upload(t, h, "huge.txt", strings.Repeat("Psalm 23 ", 1024)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: status = %d", rec.Code)
	}
	if rec := upload(t, h, "empty.txt", " "); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty: status = %d", rec.Code)
	}
}

func TestDocumentUploadRateLimited(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	for name, cfg := range map[string]Config{
		"redis":   {RedisAddr: redisSrv.Addr(), UploadRateLimitPerMinute: 1},
		"process": {UploadRateLimitPerMinute: 1},
	} {
		h := newTestServer(t, cfg)
		if rec := upload(t, h, "a.txt", "Isaiah 53:7"); rec.Code != http.StatusOK {
			t.Fatalf("%s: first upload: status = %d", name, rec.Code)
		}
		rec := upload(t, h, "b.txt", "Isaiah 53:7")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("%s: second upload: status = %d", name, rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Fatalf("%s: missing Retry-After", name)
		}
	}
}
