package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/actionable"
	"echo-forge-go/internal/aggregator"
	"echo-forge-go/internal/config"
	"echo-forge-go/internal/dataset"
	"echo-forge-go/internal/export"
	"echo-forge-go/internal/history"
	"echo-forge-go/internal/logger"
	"echo-forge-go/internal/pipeline"
	"echo-forge-go/internal/processor"
	"echo-forge-go/internal/types"
)

// Jobs is the part of the scheduler the HTTP surface drives.
type Jobs interface {
	processor.Scheduler
	SubmitBatch(items []pipeline.BatchInput) []pipeline.BatchItem
	Get(id string) (types.Job, error)
	List() []types.Job
	ActiveCount() int
	Pending() int
}

// Translator renders a stored transcript in another language.
type Translator interface {
	Translate(ctx context.Context, text, language string, s types.Settings, record types.RecordFunc) (string, error)
}

type server struct {
	log            *logger.Logger
	jobs           Jobs
	store          *history.Store
	translator     Translator
	defaults       types.Settings
	models         []string
	inputRoot      string
	maxUploadBytes int64
	now            func() time.Time
}

func newServer(cfg *config.Config, log *logger.Logger, jobs Jobs, store *history.Store, translator Translator) *server {
	defaults := cfg.Defaults
	if defaults.Model == "" {
		defaults = types.DefaultSettings()
	}
	return &server{
		log:            log,
		jobs:           jobs,
		store:          store,
		translator:     translator,
		defaults:       defaults,
		models:         cfg.Analysis.Models,
		inputRoot:      cfg.Storage.InputRoot,
		maxUploadBytes: cfg.Engine.MaxUploadBytes,
		now:            time.Now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		s.log.WithRequest(r).Debug("health check")
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /jobs/{id}/result", s.handleResult)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /batch", s.handleBatch)
	mux.HandleFunc("POST /batch/manifest", s.handleManifest)
	mux.HandleFunc("GET /process", s.handleProcess)

	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /history/export.json", s.handleExportJSON)
	mux.HandleFunc("GET /history/export.xlsx", s.handleExportXLSX)
	mux.HandleFunc("GET /history/backup", s.handleBackup)
	mux.HandleFunc("POST /history/restore", s.handleRestore)
	mux.HandleFunc("GET /history/{id}", s.handleHistoryEntry)
	mux.HandleFunc("GET /history/{id}/export.docx", s.handleExportDOCX)
	mux.HandleFunc("POST /history/{id}/favorite", s.handleFavorite)
	mux.HandleFunc("PUT /history/{id}/tags", s.handleTags)
	mux.HandleFunc("DELETE /history/{id}", s.handleDelete)
	mux.HandleFunc("POST /history/{id}/translate", s.handleTranslate)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /stats", s.handleStats)

	return mux
}

// submitRequest is the JSON form of POST /jobs and of each /batch item.
type submitRequest struct {
	URL      string          `json:"url"`
	Path     string          `json:"path"`
	FileName string          `json:"file_name"`
	Settings json.RawMessage `json:"settings"`
}

// input builds the job input. Local paths must resolve inside root.
func (req submitRequest) input(root string) (types.Input, error) {
	switch {
	case req.URL != "" && req.Path != "":
		return types.Input{}, types.NewConfigurationError("only one of url and path may be set")
	case req.URL != "":
		return types.Input{Kind: types.InputRemote, URL: req.URL, FileName: req.FileName}, nil
	case req.Path != "":
		path, err := confine(root, req.Path)
		if err != nil {
			return types.Input{}, err
		}
		name := req.FileName
		if name == "" {
			name = filepath.Base(path)
		}
		return types.Input{Kind: types.InputLocal, Path: path, FileName: name}, nil
	}
	return types.Input{}, types.NewConfigurationError("one of url and path is required")
}

// confine resolves p against root and rejects it unless the result, with
// symlinks followed, stays inside root. An empty root rejects every path.
func confine(root, p string) (string, error) {
	if root == "" {
		return "", types.NewConfigurationError("local paths are not accepted; no input root is configured")
	}
	base, err := resolve(root)
	if err != nil {
		return "", types.NewConfigurationError("input root %s: %v", root, err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	resolved, err := resolve(p)
	if err != nil {
		return "", types.NewConfigurationError("path %s: %v", p, err)
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", types.NewConfigurationError("path %s is outside the input root", p)
	}
	return resolved, nil
}

// resolve returns the absolute, symlink-free form of p. A missing final
// element is allowed so the job can report it as unreadable.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

func decodeSettings(raw []byte) (types.Settings, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return types.Settings{}, nil
	}
	return types.DecodeSettings(bytes.NewReader(raw))
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "submit")

	var (
		in       types.Input
		settings types.Settings
		err      error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		in, settings, err = s.readUpload(w, r)
	} else {
		var req submitRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			err = types.NewDecodeError("decode request", err)
		} else if in, err = req.input(s.inputRoot); err == nil {
			settings, err = decodeSettings(req.Settings)
		}
	}
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	id, err := s.jobs.Submit(in, settings)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithField("job_id", id).WithField("source", in.Source()).Info("job accepted")
	writeJSON(w, reqLog, http.StatusAccepted, map[string]string{"job_id": id})
}

// readUpload reads the "file" part of a multipart request. Settings come
// from an optional "settings" JSON field.
func (s *server) readUpload(w http.ResponseWriter, r *http.Request) (types.Input, types.Settings, error) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.Input{}, types.Settings{}, types.NewConfigurationError("upload exceeds %d bytes", s.maxUploadBytes)
		}
		return types.Input{}, types.Settings{}, types.NewDecodeError("parse upload", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return types.Input{}, types.Settings{}, types.NewConfigurationError("missing file field: %v", err)
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return types.Input{}, types.Settings{}, types.NewDecodeError("read upload", err)
	}
	settings, err := decodeSettings([]byte(r.FormValue("settings")))
	if err != nil {
		return types.Input{}, types.Settings{}, err
	}
	return types.Input{
		Kind:     types.InputLocal,
		FileName: filepath.Base(header.Filename),
		Size:     int64(len(payload)),
		Payload:  payload,
	}, settings, nil
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "batch")

	var req struct {
		Items    []submitRequest `json:"items"`
		Settings json.RawMessage `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("decode request", err))
		return
	}
	shared, err := decodeSettings(req.Settings)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	batch := make([]pipeline.BatchInput, len(req.Items))
	rejected := make([]error, len(req.Items))
	for i, item := range req.Items {
		in, err := item.input(s.inputRoot)
		var settings types.Settings
		if err == nil {
			settings, err = decodeSettings(item.Settings)
		}
		batch[i] = pipeline.BatchInput{Input: in, Settings: settings.Merge(shared)}
		rejected[i] = err
	}
	out := s.submitEach(batch, rejected)
	reqLog.WithField("items", len(out)).Info("batch accepted")
	writeJSON(w, reqLog, http.StatusAccepted, map[string]any{"items": out})
}

// submitEach submits the items whose rejected entry is nil and reports the
// others in place, keeping request positions.
func (s *server) submitEach(batch []pipeline.BatchInput, rejected []error) []pipeline.BatchItem {
	out := make([]pipeline.BatchItem, len(batch))
	var accepted []pipeline.BatchInput
	var positions []int
	for i, item := range batch {
		out[i].Index = i
		if err := rejected[i]; err != nil {
			out[i].Error = err.Error()
			out[i].Class = string(types.ClassOf(err))
			continue
		}
		accepted = append(accepted, item)
		positions = append(positions, i)
	}
	for j, item := range s.jobs.SubmitBatch(accepted) {
		item.Index = positions[j]
		out[positions[j]] = item
	}
	return out
}

// handleManifest accepts an .xlsx manifest in the "manifest" field. Rows
// that name a local path resolve against the input root.
func (s *server) handleManifest(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "manifest")

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("parse upload", err))
		return
	}
	file, _, err := r.FormFile("manifest")
	if err != nil {
		s.writeError(w, reqLog, types.NewConfigurationError("missing manifest field: %v", err))
		return
	}
	defer file.Close()

	settings, err := decodeSettings([]byte(r.FormValue("settings")))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	manifest, err := dataset.Read(file, s.inputRoot)
	if err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("read manifest", err))
		return
	}

	batch := make([]pipeline.BatchInput, len(manifest.Inputs))
	rejected := make([]error, len(manifest.Inputs))
	for i, in := range manifest.Inputs {
		if in.Kind == types.InputLocal {
			in.Path, rejected[i] = confine(s.inputRoot, in.Path)
		}
		batch[i] = pipeline.BatchInput{Input: in, Settings: settings}
	}
	items := s.submitEach(batch, rejected)
	reqLog.WithFields(logrus.Fields{"items": len(items), "skipped": len(manifest.Skipped)}).Info("manifest accepted")
	writeJSON(w, reqLog, http.StatusAccepted, map[string]any{"items": items, "skipped": manifest.Skipped})
}

// jobView adds the derived progress percentage to a job snapshot.
type jobView struct {
	types.Job
	Percent float64 `json:"percent"`
}

func view(job types.Job) jobView {
	return jobView{Job: job, Percent: job.Progress.Percent()}
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "list_jobs")
	jobs := s.jobs.List()
	out := make([]jobView, len(jobs))
	for i, job := range jobs {
		job.Chunks = nil
		out[i] = view(job)
	}
	writeJSON(w, reqLog, http.StatusOK, map[string]any{
		"jobs":    out,
		"active":  s.jobs.ActiveCount(),
		"pending": s.jobs.Pending(),
	})
}

func (s *server) handleJob(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "job")
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, view(job))
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "result")
	res, err := s.jobs.Result(r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, res)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "cancel")
	id := r.PathValue("id")
	if err := s.jobs.Cancel(id); err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithField("job_id", id).Info("cancel requested")
	writeJSON(w, reqLog, http.StatusOK, view(job))
}

// handleProcess runs one remote input synchronously.
func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "process")
	reqLog.Info("process request received")

	q := r.URL.Query()
	audioURL := q.Get("audio_url")
	if audioURL == "" {
		reqLog.Warn("missing audio_url")
		http.Error(w, "missing audio_url", http.StatusBadRequest)
		return
	}
	timeoutSec := 120
	if t := q.Get("timeout_sec"); t != "" {
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			timeoutSec = n
		}
	}
	reqLog = reqLog.WithField("audio_url", audioURL).WithField("timeout_sec", timeoutSec)

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutSec)*time.Second)
	defer cancel()
	in := types.Input{Kind: types.InputRemote, URL: audioURL}
	res, err := processor.ProcessSingle(ctx, s.jobs, in, settingsFromQuery(q))
	reqLog.WithField("duration_ms", res.DurationMs).Info("processor finished")

	status := http.StatusOK
	if err != nil {
		reqLog.WithError(err).Warn("processor returned error")
		status = statusFor(err)
		if types.ClassOf(err) == types.ClassCancelled && ctx.Err() != nil {
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, reqLog, status, res)
}

// settingsFromQuery maps the optional query parameters of /process onto
// settings; unset parameters fall back to the configured defaults.
func settingsFromQuery(q map[string][]string) types.Settings {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	s := types.Settings{
		Language: get("language"),
		Model:    get("model"),
		Depth:    types.Depth(get("depth")),
		Format:   types.OutputFormat(get("format")),
	}
	if v := get("analysis"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				s.AnalysisTypes = append(s.AnalysisTypes, types.AnalysisType(k))
			}
		}
	}
	return s
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "history")

	f, err := filterFromQuery(r)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	entries, total, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, map[string]any{"total": total, "entries": entries})
}

func filterFromQuery(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{
		Language:      q.Get("language"),
		Text:          q.Get("q"),
		FavoritesOnly: q.Get("favorites") == "true" || q.Get("favorites") == "1",
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = parseDate(v); err != nil {
			return f, types.NewConfigurationError("invalid from: %v", err)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = parseDate(v); err != nil {
			return f, types.NewConfigurationError("invalid to: %v", err)
		}
		if len(v) == len(time.DateOnly) {
			f.To = f.To.Add(24*time.Hour - time.Nanosecond)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, types.NewConfigurationError("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, types.NewConfigurationError("invalid offset %q", v)
		}
	}
	return f, nil
}

// parseDate accepts a plain date or an RFC 3339 timestamp.
func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "history_entry")
	entry, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, entry)
}

func (s *server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "favorite")
	entry, err := s.store.ToggleFavorite(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, entry)
}

func (s *server) handleTags(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "tags")
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("decode tags", err))
		return
	}
	entry, err := s.store.SetTags(r.Context(), r.PathValue("id"), req.Tags)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, entry)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "delete")
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithField("job_id", id).Info("history entry deleted")
	w.WriteHeader(http.StatusNoContent)
}

type translateRequest struct {
	Language string `json:"language"`
	Model    string `json:"model"`
}

// handleTranslate translates a stored transcript and saves the result as a
// new history entry.
func (s *server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "translate")
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("decode request", err))
		return
	}
	settings := types.Settings{Model: req.Model}.Merge(s.defaults).Normalize()
	if err := settings.Validate(s.models); err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	source, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	var meter types.Meter
	text, err := s.translator.Translate(r.Context(), source.Transcript, req.Language, settings, meter.Record)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	now := s.now().UTC()
	res := &types.Result{
		JobID:           uuid.NewString(),
		FileName:        fmt.Sprintf("[Translation] %s → %s", source.FileName, req.Language),
		Source:          "translation:" + source.JobID,
		Language:        req.Language,
		Format:          types.FormatText,
		Transcript:      text,
		DurationSeconds: source.Result.DurationSeconds,
		Usage:           meter.Snapshot(),
		Model:           settings.Model,
		CreatedAt:       now,
	}
	entry, err := s.store.AppendTranslation(r.Context(), source.JobID, req.Language, res)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithFields(logrus.Fields{"job_id": source.JobID, "translation_id": res.JobID, "language": req.Language}).Info("transcript translated")
	writeJSON(w, reqLog, http.StatusCreated, entry)
}

func (s *server) handleActivity(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "activity")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, reqLog, types.NewConfigurationError("invalid limit %q", v))
			return
		}
		limit = n
	}
	rows, err := s.store.Activity(r.Context(), limit)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, map[string]any{"activity": rows})
}

// handleBackup streams a consistent copy of the history database.
func (s *server) handleBackup(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "backup")
	dir, err := os.MkdirTemp("", "echo-forge-backup-*")
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	defer os.RemoveAll(dir)

	name := history.BackupName(s.now())
	out := filepath.Join(dir, name)
	if err := s.store.Backup(r.Context(), out); err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithField("file", name).Info("backup created")
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, out)
}

// handleRestore merges an uploaded backup, sent in the "backup" field, into
// history.
func (s *server) handleRestore(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "restore")
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, reqLog, types.NewDecodeError("parse upload", err))
		return
	}
	file, _, err := r.FormFile("backup")
	if err != nil {
		s.writeError(w, reqLog, types.NewConfigurationError("missing backup field: %v", err))
		return
	}
	defer file.Close()

	dir, err := os.MkdirTemp("", "echo-forge-restore-*")
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	defer os.RemoveAll(dir)
	src := filepath.Join(dir, "backup.db")
	if err := writeFile(src, file); err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	n, err := s.store.Restore(r.Context(), src)
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	reqLog.WithField("entries", n).Info("history restored")
	writeJSON(w, reqLog, http.StatusOK, map[string]int{"restored": n})
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "export_json")
	entries, err := s.store.All(r.Context())
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", attachment("transcriptions", s.now(), ".json"))
	if err := export.WriteJSON(w, entries, s.now()); err != nil {
		reqLog.WithError(err).Error("failed to write export")
	}
}

func (s *server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "export_xlsx")
	entries, err := s.store.All(r.Context())
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteXLSX(&buf, entries); err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", attachment("transcriptions", s.now(), ".xlsx"))
	if _, err := buf.WriteTo(w); err != nil {
		reqLog.WithError(err).Error("failed to write export")
	}
}

func (s *server) handleExportDOCX(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "export_docx")
	entry, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	dir, err := os.MkdirTemp("", "echo-forge-docx-*")
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	defer os.RemoveAll(dir)
	out := filepath.Join(dir, "transcript.docx")
	if err := export.WriteDOCX(out, *entry); err != nil {
		s.writeError(w, reqLog, err)
		return
	}

	name := strings.TrimSuffix(entry.FileName, filepath.Ext(entry.FileName))
	if name == "" {
		name = entry.JobID
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".docx"))
	http.ServeFile(w, r, out)
}

// statsView is the /stats payload: history aggregates, a recommendation
// derived from them and live scheduler load.
type statsView struct {
	aggregator.Stats
	Recommendation actionable.ActionCard `json:"recommendation"`
	ActiveJobs     int                   `json:"active_jobs"`
	PendingJobs    int                   `json:"pending_jobs"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "stats")
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, reqLog, err)
		return
	}
	writeJSON(w, reqLog, http.StatusOK, statsView{
		Stats:          stats,
		Recommendation: actionable.Generate(stats),
		ActiveJobs:     s.jobs.ActiveCount(),
		PendingJobs:    s.jobs.Pending(),
	})
}

func attachment(prefix string, now time.Time, ext string) string {
	return fmt.Sprintf("attachment; filename=%q", prefix+"_"+now.Format("20060102_150405")+ext)
}

// statusFor maps an error onto an HTTP status by its class.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrStopped):
		return http.StatusServiceUnavailable
	}
	switch types.ClassOf(err) {
	case types.ClassConfiguration:
		return http.StatusBadRequest
	case types.ClassDecode:
		return http.StatusUnprocessableEntity
	case types.ClassTransient:
		return http.StatusServiceUnavailable
	case types.ClassFatal:
		return http.StatusBadGateway
	case types.ClassCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *server) writeError(w http.ResponseWriter, reqLog *logrus.Entry, err error) {
	status := statusFor(err)
	entry := reqLog.WithError(err).WithField("status", status)
	if status >= 500 {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	body := map[string]string{"error": err.Error()}
	if !errors.Is(err, types.ErrNotFound) && !errors.Is(err, pipeline.ErrNotReady) {
		body["class"] = string(types.ClassOf(err))
	}
	writeJSON(w, reqLog, status, body)
}

func writeJSON(w http.ResponseWriter, reqLog *logrus.Entry, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		reqLog.WithError(err).Error("failed to write response")
	}
}
