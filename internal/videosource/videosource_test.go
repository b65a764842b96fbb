package videosource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"echo-forge-go/internal/logger"
	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/types"
	"echo-forge-go/pkg/executor"
)

type fakeExecutor struct {
	metadata    string
	metadataErr error
	downloadErr error
	downloads   atomic.Int32
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	return f.metadata, f.metadataErr
}

func (f *fakeExecutor) ExecuteInDir(ctx context.Context, dir string, name string, args ...string) (string, error) {
	f.downloads.Add(1)
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return "", os.WriteFile(filepath.Join(dir, "audio.m4a"), []byte("m4a-bytes"), 0o644)
}

const metadata = `{"id":"dQw4w9WgXcQ","title":"Team sync: Q3/Q4 plan","duration":212,"channel":"Acme"}`

func TestYTDLPFetch(t *testing.T) {
	y := NewYTDLP("yt-dlp", t.TempDir(), &fakeExecutor{metadata: metadata})

	m, err := y.Fetch(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Title != "Team sync: Q3/Q4 plan" || m.Channel != "Acme" || m.DurationSeconds != 212 {
		t.Errorf("media = %+v", m)
	}
	if m.FileName != "Team sync_ Q3_Q4 plan.m4a" {
		t.Errorf("file name = %q", m.FileName)
	}
	if string(m.Audio) != "m4a-bytes" {
		t.Errorf("audio = %q", m.Audio)
	}
}

func TestYTDLPRejectsLongVideos(t *testing.T) {
	y := NewYTDLP("yt-dlp", t.TempDir(), &fakeExecutor{metadata: `{"id":"x","duration":9000}`})
	_, err := y.Fetch(context.Background(), "https://youtu.be/x")
	if types.ClassOf(err) != types.ClassFatal {
		t.Fatalf("class = %q (%v)", types.ClassOf(err), err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   types.ErrorClass
	}{
		{name: "rate limited", stderr: "ERROR: HTTP Error 429: Too Many Requests", want: types.ClassTransient},
		{name: "unavailable", stderr: "ERROR: [youtube] x: Video unavailable", want: types.ClassTransient},
		{name: "unsupported", stderr: "ERROR: Unsupported URL: https://example.com", want: types.ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(context.Background(), "fetch", &executor.Error{Name: "yt-dlp", Stderr: tt.stderr, Err: errors.New("exit status 1")})
			if types.ClassOf(err) != tt.want {
				t.Errorf("class = %q, want %q", types.ClassOf(err), tt.want)
			}
		})
	}
}

func TestAdapterRetriesTransientFailures(t *testing.T) {
	fe := &fakeExecutor{
		metadata:    metadata,
		downloadErr: &executor.Error{Name: "yt-dlp", Stderr: "HTTP Error 429", Err: errors.New("exit status 1")},
	}
	a := NewAdapter(NewYTDLP("yt-dlp", t.TempDir(), fe),
		retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger.Discard().Entry)

	var attempts int
	_, err := a.Fetch(context.Background(), "https://youtu.be/dQw4w9WgXcQ", 3, func(types.Attempt) { attempts++ })
	if types.ClassOf(err) != types.ClassTransient {
		t.Fatalf("class = %q (%v)", types.ClassOf(err), err)
	}
	if fe.downloads.Load() != 3 || attempts != 3 {
		t.Errorf("downloads = %d attempts = %d", fe.downloads.Load(), attempts)
	}
}
