package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"echo-forge-go/internal/cache"
	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/config"
	"echo-forge-go/internal/extractor"
	"echo-forge-go/internal/history"
	"echo-forge-go/internal/logger"
	"echo-forge-go/internal/pipeline"
	"echo-forge-go/internal/retry"
	"echo-forge-go/internal/transcription"
	"echo-forge-go/internal/types"
)

type testAPI struct {
	srv   *httptest.Server
	sched *pipeline.Scheduler
	store *history.Store
	root  string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := logger.Discard()
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"), log.Entry)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	analyzer := extractor.NewAnalyzer(extractor.NewMockProvider(), policy, log.Entry)
	sched, err := pipeline.New(pipeline.Options{Concurrency: 2, ChunkFanout: 2}, pipeline.Deps{
		Chunker:     chunker.New(60*time.Second, 24<<20),
		Transcriber: transcription.NewAdapter(transcription.NewMockProvider(), policy, log.Entry),
		Analyzer:    analyzer,
		Cache:       cache.New(8),
		History:     store,
		Log:         log.Entry,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	cfg := &config.Config{}
	cfg.Engine.MaxUploadBytes = 8 << 20
	cfg.Storage.InputRoot = t.TempDir()
	srv := httptest.NewServer(newServer(cfg, log, sched, store, analyzer).routes())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, sched: sched, store: store, root: cfg.Storage.InputRoot}
}

func upload(t *testing.T, url string, payload []byte, settings string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "standup.wav")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(payload)
	if settings != "" {
		mw.WriteField("settings", settings)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", resp.Request.URL.Path, err)
	}
}

func silence(seconds int) []byte {
	return chunker.EncodeWAV(1, 16000, 16, make([]byte, seconds*32000))
}

func TestUploadToHistory(t *testing.T) {
	api := newTestAPI(t)

	resp := upload(t, api.srv.URL+"/jobs", silence(90), `{"analysis_types":["summary","keywords"],"depth":"basic"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decode(t, resp, &accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := api.sched.Wait(ctx, accepted.JobID)
	if err != nil || job.State != types.StateCompleted {
		t.Fatalf("job = %s %+v err = %v", job.State, job.Error, err)
	}

	resp, _ = http.Get(api.srv.URL + "/jobs/" + accepted.JobID)
	var view struct {
		State   string  `json:"state"`
		Percent float64 `json:"percent"`
	}
	decode(t, resp, &view)
	if view.State != "completed" || view.Percent != 100 {
		t.Errorf("job view = %+v", view)
	}

	resp, _ = http.Get(api.srv.URL + "/jobs/" + accepted.JobID + "/result")
	var res types.Result
	decode(t, resp, &res)
	if res.ChunkCount != 2 || res.FileName != "standup.wav" || len(res.Analysis) != 2 {
		t.Errorf("result = %d chunks, %q, %d analyses", res.ChunkCount, res.FileName, len(res.Analysis))
	}

	resp, _ = http.Get(api.srv.URL + "/history?q=quarterly")
	var page struct {
		Total   int64                `json:"total"`
		Entries []types.HistoryEntry `json:"entries"`
	}
	decode(t, resp, &page)
	if page.Total != 1 || page.Entries[0].JobID != accepted.JobID {
		t.Fatalf("history = %+v", page)
	}

	resp, _ = http.Post(api.srv.URL+"/history/"+accepted.JobID+"/favorite", "", nil)
	var entry types.HistoryEntry
	decode(t, resp, &entry)
	if !entry.Favorite {
		t.Error("favorite not toggled")
	}

	resp, _ = http.Get(api.srv.URL + "/stats")
	var stats struct {
		TotalEntries int `json:"total_entries"`
		Favorites    int `json:"favorites"`
	}
	decode(t, resp, &stats)
	if stats.TotalEntries != 1 || stats.Favorites != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp, _ = http.Get(api.srv.URL + "/history/export.json")
	var exported struct {
		TotalRecords int `json:"total_records"`
	}
	decode(t, resp, &exported)
	if exported.TotalRecords != 1 {
		t.Errorf("export total = %d", exported.TotalRecords)
	}

	resp, _ = http.Get(api.srv.URL + "/history/export.xlsx")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "spreadsheetml") {
		t.Errorf("xlsx export = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	req, _ := http.NewRequest(http.MethodDelete, api.srv.URL+"/history/"+accepted.JobID, nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = http.Get(api.srv.URL + "/history/" + accepted.JobID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted entry status = %d", resp.StatusCode)
	}
}

func TestErrorStatuses(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown job", http.MethodGet, "/jobs/nope", "", http.StatusNotFound},
		{"unknown result", http.MethodGet, "/jobs/nope/result", "", http.StatusNotFound},
		{"missing source", http.MethodPost, "/jobs", `{}`, http.StatusBadRequest},
		{"unknown setting", http.MethodPost, "/jobs", `{"url":"https://youtu.be/x","settings":{"colour":"red"}}`, http.StatusBadRequest},
		{"invalid depth", http.MethodPost, "/jobs", `{"url":"https://youtu.be/x","settings":{"depth":"deep"}}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/jobs", `{`, http.StatusUnprocessableEntity},
		{"bad date", http.MethodGet, "/history?from=yesterday", "", http.StatusBadRequest},
		{"missing audio_url", http.MethodGet, "/process", "", http.StatusBadRequest},
		{"unknown entry", http.MethodPost, "/history/nope/favorite", "", http.StatusNotFound},
		{"path outside root", http.MethodPost, "/jobs", `{"path":"/etc/passwd"}`, http.StatusBadRequest},
		{"relative escape", http.MethodPost, "/jobs", `{"path":"../../etc/passwd"}`, http.StatusBadRequest},
		{"translate unknown entry", http.MethodPost, "/history/nope/translate", `{"language":"de"}`, http.StatusNotFound},
		{"translate bad model", http.MethodPost, "/history/nope/translate", `{"language":"de","model":"nope"}`, http.StatusBadRequest},
		{"bad activity limit", http.MethodGet, "/activity?limit=x", "", http.StatusBadRequest},
		{"restore without file", http.MethodPost, "/history/restore", "", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, api.srv.URL+tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBatchReportsPerItem(t *testing.T) {
	api := newTestAPI(t)

	body := `{"items":[{"path":"a.wav"},{},{"url":"https://youtu.be/x","settings":{"model":"nope"}},{"path":"/etc/passwd"}],"settings":{"depth":"basic"}}`
	resp, err := http.Post(api.srv.URL+"/batch", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Items []pipeline.BatchItem `json:"items"`
	}
	decode(t, resp, &out)
	if len(out.Items) != 4 {
		t.Fatalf("items = %+v", out.Items)
	}
	if out.Items[0].JobID == "" {
		t.Errorf("first item rejected: %+v", out.Items[0])
	}
	for _, i := range []int{1, 2, 3} {
		if out.Items[i].Index != i || out.Items[i].Class != string(types.ClassConfiguration) {
			t.Errorf("item %d = %+v", i, out.Items[i])
		}
	}
}

func TestSettingsFromQuery(t *testing.T) {
	s := settingsFromQuery(map[string][]string{
		"language": {"en"},
		"analysis": {"summary, keywords,"},
		"depth":    {"detailed"},
	})
	if s.Language != "en" || s.Depth != types.DepthDetailed || len(s.AnalysisTypes) != 2 || s.AnalysisTypes[1] != types.AnalysisKeywords {
		t.Errorf("settings = %+v", s)
	}
}

func TestConfine(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(root, "call.wav"), []byte("RIFF"), 0o644)
	os.WriteFile(filepath.Join(outside, "secret.wav"), []byte("RIFF"), 0o644)
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	realRoot, _ := filepath.EvalSymlinks(root)

	tests := []struct {
		name string
		root string
		path string
		want string
	}{
		{name: "relative inside", root: root, path: "call.wav", want: filepath.Join(realRoot, "call.wav")},
		{name: "absolute inside", root: root, path: filepath.Join(root, "call.wav"), want: filepath.Join(realRoot, "call.wav")},
		{name: "missing file inside", root: root, path: "later.wav", want: filepath.Join(realRoot, "later.wav")},
		{name: "absolute outside", root: root, path: filepath.Join(outside, "secret.wav")},
		{name: "dot-dot escape", root: root, path: "../" + filepath.Base(outside) + "/secret.wav"},
		{name: "symlink escape", root: root, path: "link/secret.wav"},
		{name: "system file", root: root, path: "/etc/passwd"},
		{name: "no root", root: "", path: filepath.Join(root, "call.wav")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := confine(tt.root, tt.path)
			if tt.want == "" {
				if types.ClassOf(err) != types.ClassConfiguration {
					t.Fatalf("confine = %q, %v; want configuration error", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("confine = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestSubmitPathInsideRoot(t *testing.T) {
	api := newTestAPI(t)
	os.WriteFile(filepath.Join(api.root, "standup.wav"), silence(30), 0o644)

	resp, err := http.Post(api.srv.URL+"/jobs", "application/json", strings.NewReader(`{"path":"standup.wav","settings":{"depth":"basic"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decode(t, resp, &accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := api.sched.Wait(ctx, accepted.JobID)
	if err != nil || job.State != types.StateCompleted {
		t.Fatalf("job = %s %+v err = %v", job.State, job.Error, err)
	}
}

func TestTranslateBackupRestore(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	src := &types.Result{JobID: "job-1", Fingerprint: "fp-1", FileName: "standup.wav", Language: "en", Transcript: "we ship on friday", DurationSeconds: 30, CreatedAt: time.Now()}
	if _, err := api.store.Append(ctx, src); err != nil {
		t.Fatal(err)
	}

	resp, _ := http.Post(api.srv.URL+"/history/job-1/translate", "application/json", strings.NewReader(`{"language":"de"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("translate status = %d", resp.StatusCode)
	}
	var tr types.HistoryEntry
	decode(t, resp, &tr)
	if tr.FileName != "[Translation] standup.wav → de" || tr.Source != "translation:job-1" || tr.Language != "de" {
		t.Errorf("translation entry = %+v", tr)
	}
	if tr.Transcript != "[translated] we ship on friday" || tr.Fingerprint != "" {
		t.Errorf("translation transcript = %q fingerprint = %q", tr.Transcript, tr.Fingerprint)
	}

	resp, _ = http.Get(api.srv.URL + "/history/backup")
	backup, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(backup, []byte("SQLite format 3\x00")) {
		t.Fatalf("backup = %d, %d bytes", resp.StatusCode, len(backup))
	}

	if err := api.store.Delete(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("backup", "backup.db")
	fw.Write(backup)
	mw.Close()
	resp, _ = http.Post(api.srv.URL+"/history/restore", mw.FormDataContentType(), &body)
	var restored struct {
		Restored int `json:"restored"`
	}
	decode(t, resp, &restored)
	if resp.StatusCode != http.StatusOK || restored.Restored != 2 {
		t.Fatalf("restore = %d %+v", resp.StatusCode, restored)
	}
	if _, err := api.store.Get(ctx, "job-1"); err != nil {
		t.Errorf("entry not restored: %v", err)
	}

	resp, _ = http.Get(api.srv.URL + "/activity?limit=10")
	var activity struct {
		Activity []types.Activity `json:"activity"`
	}
	decode(t, resp, &activity)
	var actions []string
	for _, a := range activity.Activity {
		actions = append(actions, a.Action)
	}
	want := []string{types.ActivityRestore, types.ActivityDelete, types.ActivityBackup, types.ActivityTranslate, types.ActivityCreate}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("activity = %v, want %v", actions, want)
	}
}
