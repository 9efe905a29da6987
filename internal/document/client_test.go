package document_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yapit-tts/yapit/internal/document"
)

func TestListBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/doc-1/blocks" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_1" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": "b-aa", "idx": 0, "text": "first block", "est_duration_ms": 1500},
			{"id": "b-bb", "idx": 1, "text": "second block", "est_duration_ms": 2500}
		]`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := document.NewClient(srv.URL, "tok_1")
	catalog, err := client.ListBlocks(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("ListBlocks: %v", err)
	}
	if catalog.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", catalog.Len())
	}
	b, _ := catalog.Block(1)
	if b.ID != "b-bb" || b.Text != "second block" {
		t.Errorf("Block(1) = %+v", b)
	}
	if b.EstDuration != 2500*time.Millisecond {
		t.Errorf("EstDuration = %v, want 2.5s", b.EstDuration)
	}
}

func TestGetDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/doc-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "doc-1", "title": "A Title", "last_known_block_idx": 14}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := document.NewClient(srv.URL, "")
	info, err := client.GetDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if info.Title != "A Title" || info.LastKnownBlockIdx != 14 {
		t.Errorf("Info = %+v", info)
	}
}

func TestDocumentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := document.NewClient(srv.URL, "")
	_, err := client.GetDocument(context.Background(), "missing")
	if !errors.Is(err, document.ErrDocumentNotFound) {
		t.Errorf("error = %v, want ErrDocumentNotFound", err)
	}
}
