package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/config"
	"github.com/StormyCloudInc/blockseek/internal/finder"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
	"github.com/StormyCloudInc/blockseek/internal/worldgen"
)

var testDims = chunk.Dimensions{Size: 12, Height: 6, Margin: 3}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`chunk:
  size: %d
  margin: %d
world:
  height: %d
grid:
  x: 1
  y: 1
  z: 1
device:
  backend: software
  workers: 2
  timeout: 10s
search:
  stats_interval: 1ms
store:
  path: %s
log:
  level: error
`, testDims.Size, testDims.Margin, testDims.Height, filepath.Join(dir, "results.db"))
	path := filepath.Join(dir, "blockseek.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writePattern(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pattern.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1 thousand"},
		{1_500_000, "1.5 million"},
		{2_500_000_000, "2.5 billion"},
		{3_000_000_000_000, "3 trillion"},
	}
	for _, tt := range tests {
		if got := FormatCount(tt.n); got != tt.want {
			t.Errorf("FormatCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := FormatStatus(finder.Status{}, now); got != "waiting for a job" {
		t.Fatalf("waiting = %q", got)
	}

	running := finder.Status{Phase: finder.PhaseRunning, Scanned: 1_500_000, Start: now.Add(-3 * time.Second)}
	if got, want := FormatStatus(running, now), "1.5 million blocks searched\n3 seconds elapsed"; got != want {
		t.Fatalf("running = %q, want %q", got, want)
	}

	finished := finder.Status{
		Phase:    finder.PhaseFinished,
		Scanned:  2_500_000_000,
		Elapsed:  42 * time.Second,
		Position: finder.Position{X: -5, Y: 70, Z: 12},
	}
	want := "2.5 billion blocks searched\n42 seconds elapsed\nFound at: -5, 70, 12"
	if got := FormatStatus(finished, now); got != want {
		t.Fatalf("finished = %q, want %q", got, want)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "< 1s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 1*time.Minute, "2h 1m 0s"},
		{50 * time.Hour, "2d 2h 0m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestRotationCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "rotation", "--", "-5", "70", "12")
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("-5, 70, 12: rotation %d\n", worldgen.BlockRotation(-5, 70, 12))
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestRotationCommandRejectsBadCoordinate(t *testing.T) {
	if _, err := run(t, "--config", writeConfig(t), "rotation", "1", "two", "3"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSpiralCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "spiral", "3")
	if err != nil {
		t.Fatal(err)
	}
	o := testDims.OriginAt(3)
	want := fmt.Sprintf("chunk 3: ring 1, cell (1, 0), origin (%d, 0, %d)\n", o.X, o.Z)
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
}

func TestChunksCommand(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "chunks", "--count", "2")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "chunk 0 origin (0, 0, 0): ") {
		t.Fatalf("first line = %q", lines[0])
	}
	var h [4]int
	if _, err := fmt.Sscanf(lines[1][strings.Index(lines[1], ": ")+2:], "%d %d %d %d", &h[0], &h[1], &h[2], &h[3]); err != nil {
		t.Fatal(err)
	}
	if h[0]+h[1]+h[2]+h[3] != testDims.Volume() {
		t.Fatalf("histogram %v does not cover %d cells", h, testDims.Volume())
	}
}

func TestSearchCommandFindsAndIndexes(t *testing.T) {
	cfg := writeConfig(t)
	pat := writePattern(t, `{"size": [1, 1, 1], "cells": []}`)

	out, err := run(t, "--config", cfg, "search", "--pattern", pat)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "Found at: 0, 0, 0") {
		t.Fatalf("search output = %q", out)
	}

	cached, err := run(t, "--config", cfg, "search", "--pattern", pat)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(strings.TrimSpace(cached), "Found at: 0, 0, 0") {
		t.Fatalf("cached output = %q", cached)
	}

	list, err := run(t, "--config", cfg, "results")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(list), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "0, 0, 0") || !strings.Contains(lines[1], "software") {
		t.Fatalf("results = %q", list)
	}
}

func TestSearchCommandChunkLimit(t *testing.T) {
	pat := writePattern(t, `{"size": [1, 1, 1], "cells": [{"at": [0, 0, 0], "rotation": 5, "max_rotation": 8}]}`)
	out, err := run(t, "--config", writeConfig(t), "search", "--pattern", pat, "--max-chunks", "2")
	if !errors.Is(err, errNoMatch) {
		t.Fatalf("err = %v, want errNoMatch", err)
	}
	if strings.Contains(out, "Found at") {
		t.Fatalf("exhausted search reported a match: %q", out)
	}
}

func TestSearchCommandRejectsWrongGrid(t *testing.T) {
	pat := writePattern(t, `{"size": [2, 1, 1], "cells": []}`)
	if _, err := run(t, "--config", writeConfig(t), "search", "--pattern", pat); err == nil {
		t.Fatal("expected grid mismatch error")
	}
}

func TestFlagAndEnvOverrides(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "--config", cfg, "--backend", "bogus", "spiral", "0"); err == nil {
		t.Fatal("flag override was not validated")
	}
	t.Setenv("BLOCKSEEK_DEVICE_BACKEND", "bogus")
	if _, err := run(t, "--config", cfg, "spiral", "0"); err == nil {
		t.Fatal("environment override was not validated")
	}
	if _, err := run(t, "--config", cfg, "--backend", "software", "spiral", "0"); err != nil {
		t.Fatalf("flag should win over environment: %v", err)
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "blockseek ") {
		t.Fatalf("version output = %q", out)
	}
}

func TestPatternConvertRoundTrip(t *testing.T) {
	cfg := writeConfig(t)
	src := writePattern(t, `{"size": [2, 1, 1], "cells": [{"at": [1, 0, 0], "rotation": 3, "max_rotation": 4}, {"at": [0, 0, 0], "max_rotation": 1}]}`)
	dir := t.TempDir()
	bin := filepath.Join(dir, "stairs.bsp.zst")
	back := filepath.Join(dir, "out", "stairs.json")

	out, err := run(t, "--config", cfg, "pattern", "convert", src, bin)
	if err != nil {
		t.Fatal(err)
	}
	if want := bin + ": 2x1x1, 1 constrained cells\n"; out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if _, err := run(t, "--config", cfg, "pattern", "convert", "--name", "stairs", bin, back); err != nil {
		t.Fatal(err)
	}

	want, err := pattern.LoadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{bin, back} {
		got, err := pattern.LoadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got.Digest() != want.Digest() {
			t.Fatalf("%s digest %s, want %s", path, got.Digest(), want.Digest())
		}
	}
	data, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"name": "stairs"`) {
		t.Fatalf("JSON output lacks name: %s", data)
	}
}

func TestPatternConvertRejectsBadInput(t *testing.T) {
	src := writePattern(t, `{"size": [65535, 65535, 65535], "cells": []}`)
	out := filepath.Join(t.TempDir(), "big.bsp.zst")
	_, err := run(t, "--config", writeConfig(t), "pattern", "convert", src, out)
	if !errors.Is(err, pattern.ErrInvalidFile) {
		t.Fatalf("err = %v, want ErrInvalidFile", err)
	}
	if _, err := os.Stat(out); err == nil {
		t.Fatal("output written for an invalid pattern")
	}
}

func TestConfigInit(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "nested", "blockseek.yaml")
	out, err := run(t, "--config", cfg, "config", "init", path)
	if err != nil {
		t.Fatal(err)
	}
	if out != path+"\n" {
		t.Fatalf("output = %q", out)
	}
	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want, err := config.Load(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Fatalf("written config = %+v, want %+v", got, want)
	}

	if _, err := run(t, "--config", cfg, "config", "init", path); err == nil {
		t.Fatal("existing file was overwritten without --force")
	}
	if _, err := run(t, "--config", cfg, "--workers", "3", "config", "init", "--force", path); err != nil {
		t.Fatal(err)
	}
	got, err = config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Device.Workers != 3 {
		t.Fatalf("workers = %d, want the flag override 3", got.Device.Workers)
	}
}
