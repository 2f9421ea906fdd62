package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		remote, local string
		want          bool
	}{
		{"v1.2.0", "v1.1.9", true},
		{"v1.2.0", "v1.2.0", false},
		{"v1.10.0", "v1.9.3", true},
		{"v2.0.0-rc1", "v1.9.9", true},
		{"v1.0.0", "v1.0.1", false},
		{"v9.9.9", "dev", false},
		{"garbage", "v1.0.0", false},
	}
	for _, tt := range tests {
		if got := IsNewer(tt.remote, tt.local); got != tt.want {
			t.Errorf("IsNewer(%q, %q) = %v, want %v", tt.remote, tt.local, got, tt.want)
		}
	}
}

func TestLatest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tag_name": "v1.4.0", "html_url": "https://example.invalid/r/v1.4.0"}`))
	}))
	defer ts.Close()

	old := Version
	defer func() { Version = old }()

	Version = "v1.3.2"
	rel, err := Latest(context.Background(), ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	if rel == nil || rel.TagName != "v1.4.0" {
		t.Fatalf("Latest = %+v", rel)
	}

	Version = "v1.4.0"
	rel, err = Latest(context.Background(), ts.URL)
	if err != nil || rel != nil {
		t.Fatalf("up to date: Latest = %+v, %v", rel, err)
	}
}
