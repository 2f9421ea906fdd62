package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPost(t *testing.T) {
	got := make(chan Payload, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	want := Payload{JobID: "j", Digest: "d", Position: [3]int64{-3, 64, 9}, Scanned: 100, Chunks: 2,
		DurationSeconds: 1.5, Backend: "software"}
	if err := Post(context.Background(), ts.URL, want); err != nil {
		t.Fatal(err)
	}
	if p := <-got; p != want {
		t.Fatalf("server got %+v, want %+v", p, want)
	}
}

func TestPostRejectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()
	if err := Post(context.Background(), ts.URL, Payload{}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestPostHonoursContext(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := Post(ctx, ts.URL, Payload{}); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > DefaultTimeout {
		t.Fatal("Post ignored the caller's deadline")
	}
}
