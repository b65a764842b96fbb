package videosource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/types"
	"echo-forge-go/pkg/executor"
)

// Media is the audio track of a remote video plus its metadata.
type Media struct {
	ID              string
	Title           string
	Channel         string
	DurationSeconds float64
	FileName        string
	Audio           []byte
}

// Source resolves a remote video URL to audio.
type Source interface {
	Name() string
	Fetch(ctx context.Context, url string) (Media, error)
}

// MaxDurationSeconds rejects videos longer than two hours.
const MaxDurationSeconds = 2 * 60 * 60

// YTDLP fetches audio with the yt-dlp command line tool.
type YTDLP struct {
	bin     string
	tempDir string
	exec    executor.Executor
}

func NewYTDLP(bin, tempDir string, exec executor.Executor) *YTDLP {
	return &YTDLP{bin: bin, tempDir: tempDir, exec: exec}
}

func (y *YTDLP) Name() string { return "yt-dlp" }

type videoInfo struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	Channel  string  `json:"channel"`
	Uploader string  `json:"uploader"`
	IsLive   bool    `json:"is_live"`
}

func (y *YTDLP) Fetch(ctx context.Context, url string) (Media, error) {
	out, err := y.exec.Execute(ctx, y.bin, "--dump-single-json", "--no-playlist", "--no-warnings", url)
	if err != nil {
		return Media{}, classify(ctx, "fetch metadata", err)
	}
	var info videoInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return Media{}, types.NewTransientError("fetch metadata", fmt.Errorf("decode yt-dlp output: %w", err))
	}
	if info.IsLive {
		return Media{}, types.NewFatalError("fetch", errors.New("live streams are not supported"))
	}
	if info.Duration > MaxDurationSeconds {
		return Media{}, types.NewFatalError("fetch", fmt.Errorf("video is %.0f minutes long, limit is %d", info.Duration/60, MaxDurationSeconds/60))
	}

	dir, err := os.MkdirTemp(y.tempDir, "ytdlp-*")
	if err != nil {
		return Media{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	_, err = y.exec.ExecuteInDir(ctx, dir, y.bin,
		"-f", "bestaudio[ext=m4a]/bestaudio/best[height<=480]",
		"--no-playlist", "--no-warnings", "--no-part",
		"-o", "audio.%(ext)s",
		url,
	)
	if err != nil {
		return Media{}, classify(ctx, "download audio", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "audio.*"))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			continue
		}
		channel := info.Channel
		if channel == "" {
			channel = info.Uploader
		}
		return Media{
			ID:              info.ID,
			Title:           info.Title,
			Channel:         channel,
			DurationSeconds: info.Duration,
			FileName:        sanitizeFileName(info.Title, info.ID) + filepath.Ext(path),
			Audio:           data,
		}, nil
	}
	return Media{}, types.NewTransientError("download audio", errors.New("yt-dlp produced no audio file"))
}

// classify maps yt-dlp failures onto the error taxonomy. Rate limiting and
// unavailability are retryable; unsupported URLs and a missing binary are not.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return types.NewFatalError(op, err)
	}
	msg := strings.ToLower(err.Error())
	var execErr *executor.Error
	if errors.As(err, &execErr) {
		msg = strings.ToLower(execErr.Stderr)
	}
	for _, marker := range []string{"unsupported url", "is not a valid url", "no video formats found", "requested format is not available"} {
		if strings.Contains(msg, marker) {
			return types.NewFatalError(op, err)
		}
	}
	return types.NewTransientError(op, err)
}

func sanitizeFileName(title, id string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	if name == "" {
		name = "youtube_audio_" + id
	}
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name
}

// Adapter applies the retry policy and usage accounting to a Source.
type Adapter struct {
	source Source
	policy retry.Policy
	log    *logrus.Entry
}

func NewAdapter(s Source, policy retry.Policy, log *logrus.Entry) *Adapter {
	return &Adapter{source: s, policy: policy, log: log.WithField("source", s.Name())}
}

func (a *Adapter) Fetch(ctx context.Context, url string, budget int, record types.RecordFunc) (Media, error) {
	policy := a.policy.WithAttempts(budget)
	// downloads outlast a single API call
	policy.AttemptTimeout = 0
	log := a.log.WithField("url", url)
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait.String(), "error": err.Error()}).Warn("video fetch failed, retrying")
	}

	var media Media
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		m, err := a.source.Fetch(ctx, url)
		at := types.Attempt{Provider: a.source.Name(), Operation: types.OperationFetch, Number: attempt, Duration: time.Since(start)}
		if err != nil {
			at.Error = err.Error()
		}
		if record != nil {
			record(at)
		}
		if err != nil {
			return err
		}
		media = m
		return nil
	})
	if err != nil {
		return Media{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	log.WithFields(logrus.Fields{"title": media.Title, "bytes": len(media.Audio)}).Info("video audio fetched")
	return media, nil
}
