package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"echo-forge-go/internal/cache"
	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/extractor"
	"echo-forge-go/internal/logger"
	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/transcription"
	"echo-forge-go/internal/types"
	"echo-forge-go/internal/videosource"
)

// wav returns seconds of 16 kHz mono silence; seed makes payloads distinct.
func wav(seconds int, seed byte) []byte {
	pcm := make([]byte, seconds*32000)
	pcm[0] = seed
	return chunker.EncodeWAV(1, 16000, 16, pcm)
}

type fakeTranscriber struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	block    bool
	silent   bool
	err      error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req transcription.Request, budget int, record types.RecordFunc) (transcription.Response, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.block {
		<-ctx.Done()
		return transcription.Response{}, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return transcription.Response{}, ctx.Err()
		}
	}
	if f.err != nil {
		return transcription.Response{}, f.err
	}
	if f.silent {
		return transcription.Response{Language: "en", AudioSeconds: 60}, nil
	}
	return transcription.Response{
		Text:         fmt.Sprintf("part %d", req.ChunkIndex),
		Language:     "en",
		Confidence:   0.9,
		AudioSeconds: 60,
		Segments:     []types.Segment{{Start: 0, End: 60, Text: fmt.Sprintf("part %d", req.ChunkIndex)}},
	}, nil
}

type fakeAnalyzer struct {
	calls atomic.Int32
	fail  map[types.AnalysisType]error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, transcript string, seconds float64, kind types.AnalysisType, s types.Settings, record types.RecordFunc) (types.AnalysisOutput, error) {
	f.calls.Add(1)
	if err := f.fail[kind]; err != nil {
		return types.AnalysisOutput{}, err
	}
	return types.AnalysisOutput{Type: kind, Summary: "summary of " + transcript}, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []*types.HistoryEntry
}

func (m *memHistory) Append(ctx context.Context, res *types.Result) (*types.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := types.NewHistoryEntry(res)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memHistory) FindByFingerprint(ctx context.Context, fp string) (*types.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Fingerprint == fp {
			return m.entries[i], nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *memHistory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type env struct {
	sched   *Scheduler
	tr      *fakeTranscriber
	an      *fakeAnalyzer
	cache   *cache.Cache
	history *memHistory
}

func newEnv(t *testing.T, opts Options, tr *fakeTranscriber) *env {
	t.Helper()
	e := &env{tr: tr, an: &fakeAnalyzer{}, cache: cache.New(16), history: &memHistory{}}
	s, err := New(opts, Deps{
		Chunker:     chunker.New(60*time.Second, 24<<20),
		Transcriber: tr,
		Analyzer:    e.an,
		Cache:       e.cache,
		History:     e.history,
		Log:         logger.Discard().Entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.sched = s
	return e
}

func local(payload []byte) types.Input {
	return types.Input{Kind: types.InputLocal, FileName: "call.wav", Payload: payload}
}

func basicSettings(kinds ...types.AnalysisType) types.Settings {
	s := types.DefaultSettings()
	s.Depth = types.DepthBasic
	s.AnalysisTypes = kinds
	return s
}

// drive advances id until terminal and returns the states passed through.
func drive(t *testing.T, s *Scheduler, id string) []types.JobState {
	t.Helper()
	var states []types.JobState
	for i := 0; i < 20; i++ {
		terminal, err := s.Advance(context.Background(), id)
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		job, _ := s.Get(id)
		states = append(states, job.State)
		if terminal {
			return states
		}
	}
	t.Fatal("job did not terminate")
	return nil
}

func joinStates(states []types.JobState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func TestEndToEndThreeMinuteAudio(t *testing.T) {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	history := &memHistory{}
	c := cache.New(4)
	s, err := New(Options{Concurrency: 3, ChunkFanout: 2}, Deps{
		Chunker:     chunker.New(60*time.Second, 24<<20),
		Transcriber: transcription.NewAdapter(transcription.NewMockProvider(), policy, logger.Discard().Entry),
		Analyzer:    extractor.NewAnalyzer(extractor.NewMockProvider(), policy, logger.Discard().Entry),
		Cache:       c,
		History:     history,
		Log:         logger.Discard().Entry,
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := s.Submit(local(wav(180, 1)), basicSettings(types.AnalysisSummary, types.AnalysisKeywords))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	states := drive(t, s, id)
	want := "fingerprinting,cache_check,chunking,transcribing,reassembling,analyzing,completed"
	if got := joinStates(states); got != want {
		t.Fatalf("states = %s\nwant     %s", got, want)
	}

	job, _ := s.Get(id)
	if len(job.Chunks) != 3 || job.Progress.Completed != 5 || job.Progress.Total != 5 {
		t.Errorf("chunks = %d progress = %+v", len(job.Chunks), job.Progress)
	}
	for _, ch := range job.Chunks {
		if ch.Payload != nil || ch.State != types.ChunkDone {
			t.Errorf("chunk %d = %s, payload %d bytes", ch.Index, ch.State, len(ch.Payload))
		}
	}

	res, err := s.Result(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Transcript, "MOCK TRANSCRIPT part 1") || !strings.Contains(res.Transcript, "part 3") {
		t.Errorf("transcript = %q", res.Transcript)
	}
	if res.Analysis[types.AnalysisSummary].Summary == "" || len(res.Analysis[types.AnalysisKeywords].Keywords) == 0 {
		t.Errorf("analysis = %+v", res.Analysis)
	}
	if res.DurationSeconds != 180 || res.ChunkCount != 3 {
		t.Errorf("duration = %v chunks = %d", res.DurationSeconds, res.ChunkCount)
	}
	if res.Usage.Attempts != 5 || res.Usage.PromptTokens == 0 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if history.len() != 1 || c.Len() != 1 {
		t.Errorf("history = %d cache = %d", history.len(), c.Len())
	}
}

func TestCacheHitSkipsProviders(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	payload := wav(90, 7)
	settings := basicSettings(types.AnalysisSummary)

	first, _ := e.sched.Submit(local(payload), settings)
	drive(t, e.sched, first)
	calls, analyses := e.tr.calls.Load(), e.an.calls.Load()

	// retry budget does not affect the fingerprint
	settings.RetryBudget = 5
	second, _ := e.sched.Submit(local(payload), settings)
	states := drive(t, e.sched, second)
	if got := joinStates(states); got != "fingerprinting,cache_check,cache_hit,completed" {
		t.Fatalf("states = %s", got)
	}
	if e.tr.calls.Load() != calls || e.an.calls.Load() != analyses {
		t.Error("cache hit called a provider")
	}

	r1, _ := e.sched.Result(first)
	r2, _ := e.sched.Result(second)
	if r1 != r2 {
		t.Error("cache hit returned a different result object")
	}
	job, _ := e.sched.Get(second)
	if !job.CacheHit || job.Chunks != nil {
		t.Errorf("job = %+v", job)
	}
	if e.history.len() != 1 {
		t.Errorf("history entries = %d", e.history.len())
	}
}

func TestHistoryLookupRefillsCache(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	payload := wav(30, 3)
	first, _ := e.sched.Submit(local(payload), basicSettings())
	drive(t, e.sched, first)

	// a restart loses the cache but not history
	e.sched.deps.Cache = cache.New(4)
	second, _ := e.sched.Submit(local(payload), basicSettings())
	drive(t, e.sched, second)

	job, _ := e.sched.Get(second)
	if !job.CacheHit || e.tr.calls.Load() != 1 {
		t.Errorf("cache hit = %v, transcriber calls = %d", job.CacheHit, e.tr.calls.Load())
	}
}

func TestConcurrencyBound(t *testing.T) {
	tr := &fakeTranscriber{delay: 20 * time.Millisecond}
	e := newEnv(t, Options{Concurrency: 2, ChunkFanout: 1}, tr)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := e.sched.Submit(local(wav(10, byte(i+1))), basicSettings())
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.sched.Start(ctx)
	defer e.sched.Stop()

	// Sample while jobs run: admitted jobs never exceed the bound and the
	// rest wait in the submitted state.
	var overActive, overAdmitted atomic.Int32
	done := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
			if e.sched.ActiveCount() > 2 {
				overActive.Add(1)
			}
			admitted := 0
			for _, j := range e.sched.List() {
				if j.State != types.StateSubmitted && !j.State.Terminal() {
					admitted++
				}
			}
			if admitted > 2 {
				overAdmitted.Add(1)
			}
		}
	}()

	for _, id := range ids {
		job, err := e.sched.Wait(ctx, id)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if job.State != types.StateCompleted {
			t.Errorf("job %s = %s (%+v)", id, job.State, job.Error)
		}
	}
	close(done)
	<-sampled
	if n := overActive.Load(); n > 0 {
		t.Errorf("ActiveCount exceeded 2 in %d samples", n)
	}
	if n := overAdmitted.Load(); n > 0 {
		t.Errorf("more than 2 jobs past submitted in %d samples", n)
	}
	if peak := tr.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent transcriptions = %d, want <= 2", peak)
	}
	if e.sched.ActiveCount() != 0 {
		t.Errorf("active = %d", e.sched.ActiveCount())
	}
}

func TestChunkFanoutWithinJob(t *testing.T) {
	tr := &fakeTranscriber{delay: 10 * time.Millisecond}
	e := newEnv(t, Options{ChunkFanout: 2}, tr)
	id, _ := e.sched.Submit(local(wav(300, 1)), basicSettings())
	drive(t, e.sched, id)
	if tr.calls.Load() != 5 || tr.peak.Load() > 2 {
		t.Errorf("calls = %d peak = %d", tr.calls.Load(), tr.peak.Load())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	id, _ := e.sched.Submit(local(wav(10, 1)), basicSettings())
	e.sched.Advance(context.Background(), id)

	for i := 0; i < 2; i++ {
		if err := e.sched.Cancel(id); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}
	job, _ := e.sched.Get(id)
	if job.State != types.StateFailed || job.Error == nil || job.Error.Class != types.ClassCancelled {
		t.Fatalf("job = %+v", job)
	}
	if terminal, _ := e.sched.Advance(context.Background(), id); !terminal {
		t.Error("cancelled job is not terminal")
	}
	if e.tr.calls.Load() != 0 {
		t.Error("cancelled job reached the provider")
	}
	if _, err := e.sched.Result(id); err == nil {
		t.Error("cancelled job has a result")
	}
}

func TestCancelInFlight(t *testing.T) {
	tr := &fakeTranscriber{block: true}
	e := newEnv(t, Options{}, tr)
	id, _ := e.sched.Submit(local(wav(10, 1)), basicSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.sched.Start(ctx)
	defer e.sched.Stop()

	for tr.inFlight.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	e.sched.Cancel(id)
	job, err := e.sched.Wait(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != types.StateFailed || job.Error.Class != types.ClassCancelled {
		t.Errorf("job = %s %+v", job.State, job.Error)
	}
	if e.history.len() != 0 {
		t.Error("cancelled job was persisted")
	}
}

func TestChunkFailureFailsJob(t *testing.T) {
	tr := &fakeTranscriber{err: types.NewTransientError("transcribe", errors.New("http 503"))}
	e := newEnv(t, Options{}, tr)
	id, _ := e.sched.Submit(local(wav(120, 1)), basicSettings(types.AnalysisSummary))
	drive(t, e.sched, id)

	job, _ := e.sched.Get(id)
	if job.State != types.StateFailed || job.Error.Class != types.ClassTransient || job.Error.Reason == "" {
		t.Fatalf("job = %s %+v", job.State, job.Error)
	}
	if e.history.len() != 0 || e.cache.Len() != 0 {
		t.Error("failed job left a result behind")
	}
	if e.an.calls.Load() != 0 {
		t.Error("analysis ran after transcription failed")
	}
}

func TestAnalysisFailureKeepsTranscript(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	e.an.fail = map[types.AnalysisType]error{
		types.AnalysisKeywords: types.NewFatalError("analyze", errors.New("http 401")),
	}
	id, _ := e.sched.Submit(local(wav(30, 1)), basicSettings(types.AnalysisSummary, types.AnalysisKeywords))
	drive(t, e.sched, id)

	res, err := e.sched.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Transcript != "part 0" {
		t.Errorf("transcript = %q", res.Transcript)
	}
	if _, ok := res.Analysis[types.AnalysisSummary]; !ok {
		t.Error("summary missing")
	}
	if res.AnalysisErrors[types.AnalysisKeywords] == "" {
		t.Errorf("keyword failure not flagged: %+v", res.AnalysisErrors)
	}
	job, _ := e.sched.Get(id)
	if job.Progress.Completed != job.Progress.Total {
		t.Errorf("progress = %+v", job.Progress)
	}
}

func TestDecodeErrorBeforeProviderCalls(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"zero-duration wav", chunker.EncodeWAV(1, 16000, 16, nil)},
		{"plain text", []byte("these are meeting notes, not a recording\n")},
		{"html", []byte("<!doctype html><html><body>404</body></html>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, Options{}, &fakeTranscriber{})
			id, _ := e.sched.Submit(local(tt.payload), basicSettings(types.AnalysisSummary))
			drive(t, e.sched, id)

			job, _ := e.sched.Get(id)
			if job.State != types.StateFailed || job.Error.Class != types.ClassDecode {
				t.Fatalf("job = %s %+v", job.State, job.Error)
			}
			if e.tr.calls.Load() != 0 || e.an.calls.Load() != 0 {
				t.Error("provider called for undecodable input")
			}
		})
	}
}

func TestSilentAudioCompletes(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{silent: true})
	id, _ := e.sched.Submit(local(wav(90, 1)), basicSettings(types.AnalysisSummary, types.AnalysisKeywords))
	drive(t, e.sched, id)

	job, _ := e.sched.Get(id)
	if job.State != types.StateCompleted {
		t.Fatalf("job = %s %+v", job.State, job.Error)
	}
	if job.Progress.Completed != job.Progress.Total {
		t.Errorf("progress = %+v", job.Progress)
	}
	res, err := e.sched.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Transcript != "" || len(res.Analysis) != 0 {
		t.Errorf("result = %q, %d analyses", res.Transcript, len(res.Analysis))
	}
	for _, kind := range []types.AnalysisType{types.AnalysisSummary, types.AnalysisKeywords} {
		if res.AnalysisErrors[kind] != "no speech detected" {
			t.Errorf("%s error = %q", kind, res.AnalysisErrors[kind])
		}
	}
	if e.an.calls.Load() != 0 {
		t.Errorf("analyzer called %d times on an empty transcript", e.an.calls.Load())
	}
	if e.history.len() != 1 {
		t.Errorf("history entries = %d", e.history.len())
	}
}

func TestSubmitRejectsInvalidSettings(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	bad := basicSettings()
	bad.Depth = "extreme"

	if _, err := e.sched.Submit(local(wav(1, 1)), bad); types.ClassOf(err) != types.ClassConfiguration {
		t.Fatalf("class = %q", types.ClassOf(err))
	}

	items := e.sched.SubmitBatch([]BatchInput{
		{Input: local(wav(1, 1)), Settings: basicSettings()},
		{Input: local(wav(1, 2)), Settings: bad},
		{Input: types.Input{Kind: types.InputRemote}, Settings: basicSettings()},
	})
	if items[0].JobID == "" || items[0].Error != "" {
		t.Errorf("item 0 = %+v", items[0])
	}
	for _, i := range []int{1, 2} {
		if items[i].JobID != "" || items[i].Class != string(types.ClassConfiguration) {
			t.Errorf("item %d = %+v", i, items[i])
		}
	}
	if len(e.sched.List()) != 1 {
		t.Errorf("jobs = %d", len(e.sched.List()))
	}
}

type fakeFetcher struct{ calls int }

func (f *fakeFetcher) Fetch(ctx context.Context, url string, budget int, record types.RecordFunc) (videosource.Media, error) {
	f.calls++
	return videosource.Media{ID: "abc", Title: "Weekly sync", DurationSeconds: 70, FileName: "Weekly sync.wav", Audio: wav(70, 9)}, nil
}

func TestRemoteInput(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	f := &fakeFetcher{}
	e.sched.deps.Fetcher = f

	in := types.Input{Kind: types.InputRemote, URL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ&utm_source=x"}
	id, _ := e.sched.Submit(in, basicSettings())
	drive(t, e.sched, id)

	res, err := e.sched.Result(id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "Weekly sync" || res.ChunkCount != 2 || res.Source != in.URL {
		t.Errorf("result = %+v", res)
	}

	// the same video through a short link is a cache hit
	id2, _ := e.sched.Submit(types.Input{Kind: types.InputRemote, URL: "https://youtu.be/dQw4w9WgXcQ"}, basicSettings())
	drive(t, e.sched, id2)
	if job, _ := e.sched.Get(id2); !job.CacheHit || f.calls != 1 {
		t.Errorf("cache hit = %v fetches = %d", job.CacheHit, f.calls)
	}
}

func TestUnknownJob(t *testing.T) {
	e := newEnv(t, Options{}, &fakeTranscriber{})
	if _, err := e.sched.Advance(context.Background(), "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Advance err = %v", err)
	}
	if err := e.sched.Cancel("nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Cancel err = %v", err)
	}
}
