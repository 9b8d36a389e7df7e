package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimitedWriter_KeepsTail(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: 10}

	n, err := lw.Write([]byte("hello world, this is long"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 25 {
		t.Errorf("n = %d, want 25", n)
	}
	if buf.Len() != 10 {
		t.Errorf("buf.Len() = %d, want 10", buf.Len())
	}
	if buf.String() != "is is long" {
		t.Errorf("buf = %q, want the last 10 bytes", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("0123456789abc", 3); got != "...abc" {
		t.Errorf("truncate = %q, want ...abc", got)
	}
}

func TestAnnotatedNames(t *testing.T) {
	tests := []struct {
		filename       string
		wantAnnotated  string
		wantTranscoded string
	}{
		{"clip.mp4", "clip_annotated.mp4", "clip_annotated_h264.mp4"},
		{"my.video.mov", "my.video_annotated.mov", "my.video_annotated_h264.mp4"},
		{"raw", "raw_annotated.mp4", "raw_annotated_h264.mp4"},
	}
	for _, tt := range tests {
		a, tr := AnnotatedNames(tt.filename)
		if a != tt.wantAnnotated || tr != tt.wantTranscoded {
			t.Errorf("AnnotatedNames(%q) = (%q, %q), want (%q, %q)",
				tt.filename, a, tr, tt.wantAnnotated, tt.wantTranscoded)
		}
	}
}

// writeFakeFFmpeg installs a shell script that answers -version and writes
// a non-empty file to its last argument.
func writeFakeFFmpeg(t *testing.T, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script ffmpeg stand-in requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := `#!/bin/sh
if [ "$1" = "-version" ]; then
  echo "ffmpeg version 6.1-test"
  exit 0
fi
for last; do :; done
echo "encoding" >&2
if [ ` + strconv.Itoa(exitCode) + ` -ne 0 ]; then
  echo "boom" >&2
  exit ` + strconv.Itoa(exitCode) + `
fi
printf 'h264' > "$last"
`
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}

func TestTranscode_Success(t *testing.T) {
	bin := writeFakeFFmpeg(t, 0)
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_annotated.mp4")
	if err := os.WriteFile(in, []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "clip_annotated_h264.mp4")

	r := NewFFmpegRunner(Config{FFmpegPath: bin})
	res, err := r.Transcode(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if res.OutputPath != out {
		t.Errorf("OutputPath = %q, want %q", res.OutputPath, out)
	}
	if res.Size != 4 {
		t.Errorf("Size = %d, want 4", res.Size)
	}
}

func TestTranscode_NonZeroExit(t *testing.T) {
	bin := writeFakeFFmpeg(t, 3)
	dir := t.TempDir()
	in := filepath.Join(dir, "clip_annotated.mp4")
	if err := os.WriteFile(in, []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewFFmpegRunner(Config{FFmpegPath: bin})
	_, err := r.Transcode(context.Background(), in, filepath.Join(dir, "out.mp4"))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "exited 3") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want exit code and stderr tail", err)
	}
}

func TestTranscode_MissingInput(t *testing.T) {
	r := NewFFmpegRunner(Config{FFmpegPath: "/nonexistent/ffmpeg"})
	_, err := r.Transcode(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), "out.mp4")
	if err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestTranscode_BinaryMissing(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp4")
	if err := os.WriteFile(in, []byte("raw"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewFFmpegRunner(Config{FFmpegPath: filepath.Join(dir, "no-ffmpeg")})
	_, err := r.Transcode(context.Background(), in, filepath.Join(dir, "out.mp4"))
	if !errors.Is(err, ErrFFmpegUnavailable) {
		t.Fatalf("err = %v, want ErrFFmpegUnavailable", err)
	}
}

func TestProbe(t *testing.T) {
	bin := writeFakeFFmpeg(t, 0)
	caps, err := NewFFmpegRunner(Config{FFmpegPath: bin}).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !caps.Available {
		t.Fatalf("Available = false, error %q", caps.Error)
	}
	if caps.Version != "ffmpeg version 6.1-test" {
		t.Errorf("Version = %q", caps.Version)
	}

	caps, err = NewFFmpegRunner(Config{FFmpegPath: "/nonexistent/ffmpeg"}).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if caps.Available || caps.Error == "" {
		t.Errorf("caps = %+v, want unavailable with error", caps)
	}
}

type fakeTranscoder struct {
	probes  atomic.Int32
	probeFn func() (*Capabilities, error)
}

func (f *fakeTranscoder) Probe(ctx context.Context) (*Capabilities, error) {
	f.probes.Add(1)
	if f.probeFn != nil {
		return f.probeFn()
	}
	return &Capabilities{Available: true, Version: "test", ProbedAt: time.Now()}, nil
}

func (f *fakeTranscoder) Transcode(ctx context.Context, in, out string) (*TranscodeResult, error) {
	return &TranscodeResult{InputPath: in, OutputPath: out}, nil
}

func TestCachedDoctor_CachesWithinTTL(t *testing.T) {
	ft := &fakeTranscoder{}
	d := NewCachedDoctor(ft, nil)

	for i := 0; i < 3; i++ {
		caps, err := d.Get(context.Background())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !caps.Available {
			t.Fatal("expected available")
		}
	}
	if n := ft.probes.Load(); n != 1 {
		t.Errorf("probes = %d, want 1", n)
	}
}

func TestCachedDoctor_Invalidate(t *testing.T) {
	ft := &fakeTranscoder{}
	d := NewCachedDoctor(ft, nil)

	d.Get(context.Background())
	d.Invalidate()
	d.Get(context.Background())

	if n := ft.probes.Load(); n != 2 {
		t.Errorf("probes = %d, want 2", n)
	}
}

func TestCachedDoctor_ExpiredTTL(t *testing.T) {
	ft := &fakeTranscoder{probeFn: func() (*Capabilities, error) {
		return &Capabilities{Available: true, ProbedAt: time.Now().Add(-time.Hour)}, nil
	}}
	d := NewCachedDoctor(ft, nil)

	d.Get(context.Background())
	d.Get(context.Background())

	if n := ft.probes.Load(); n != 2 {
		t.Errorf("probes = %d, want 2 after TTL expiry", n)
	}
}

func TestCachedDoctor_KeepsLastGoodOnError(t *testing.T) {
	fail := false
	ft := &fakeTranscoder{}
	ft.probeFn = func() (*Capabilities, error) {
		if fail {
			return nil, errors.New("probe exploded")
		}
		return &Capabilities{Available: true, Version: "good", ProbedAt: time.Now()}, nil
	}
	d := NewCachedDoctor(ft, nil)

	if _, err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fail = true
	caps, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh after failure: %v", err)
	}
	if caps.Version != "good" {
		t.Errorf("Version = %q, want last good probe", caps.Version)
	}
}
