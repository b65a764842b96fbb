package types

import (
	"errors"
	"strings"
	"testing"
)

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Settings) {}},
		{name: "unknown depth", mutate: func(s *Settings) { s.Depth = "exhaustive" }, wantErr: "depth"},
		{name: "unknown language", mutate: func(s *Settings) { s.Language = "xx" }, wantErr: "language"},
		{name: "unknown format", mutate: func(s *Settings) { s.Format = "docx" }, wantErr: "format"},
		{name: "unknown analysis", mutate: func(s *Settings) { s.AnalysisTypes = []AnalysisType{"topics"} }, wantErr: "analysis type"},
		{name: "unknown model", mutate: func(s *Settings) { s.Model = "gpt-2" }, wantErr: "model"},
		{name: "temperature too high", mutate: func(s *Settings) { s.Temperature = 2.5 }, wantErr: "temperature"},
		{name: "zero max tokens", mutate: func(s *Settings) { s.MaxTokens = 0 }, wantErr: "max_tokens"},
		{name: "retry budget too large", mutate: func(s *Settings) { s.RetryBudget = 11 }, wantErr: "retry_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate(nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if ClassOf(err) != ClassConfiguration {
				t.Errorf("class = %q, want %q", ClassOf(err), ClassConfiguration)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSettingsNormalize(t *testing.T) {
	s := Settings{
		Language:      " EN ",
		Depth:         "Basic",
		Format:        "SRT",
		AnalysisTypes: []AnalysisType{"keywords", "Summary", "keywords"},
	}.Normalize()

	if s.Language != "en" || s.Depth != DepthBasic || s.Format != FormatSRT {
		t.Fatalf("unexpected normalized settings: %+v", s)
	}
	if len(s.AnalysisTypes) != 2 || s.AnalysisTypes[0] != AnalysisKeywords || s.AnalysisTypes[1] != AnalysisSummary {
		t.Fatalf("analysis types = %v", s.AnalysisTypes)
	}
}

func TestSettingsMerge(t *testing.T) {
	s := Settings{Depth: DepthDetailed}.Merge(DefaultSettings())
	if s.Depth != DepthDetailed {
		t.Errorf("depth overwritten: %q", s.Depth)
	}
	if s.Model != "gpt-4-turbo" || s.RetryBudget != 3 || s.MaxTokens != 1000 {
		t.Errorf("defaults not applied: %+v", s)
	}

	empty := Settings{AnalysisTypes: []AnalysisType{}}.Merge(DefaultSettings())
	if len(empty.AnalysisTypes) != 0 {
		t.Errorf("explicit empty analysis list replaced: %v", empty.AnalysisTypes)
	}
}

func TestDecodeSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeSettings(strings.NewReader(`{"depth":"basic","theme":"dark"}`))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	var e *Error
	if !errors.As(err, &e) || e.Class != ClassConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	s, err := DecodeSettings(strings.NewReader(`{"depth":"basic","analysis_types":["summary"]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Depth != DepthBasic {
		t.Errorf("depth = %q", s.Depth)
	}
}

func TestMeterRecord(t *testing.T) {
	var m Meter
	m.Record(Attempt{Operation: OperationTranscribe, Error: "rate limited"})
	m.Record(Attempt{Operation: OperationTranscribe, AudioSeconds: 120})
	m.Record(Attempt{Operation: OperationAnalyze, Model: "gpt-4", PromptTokens: 1000, CompletionTokens: 500})

	u := m.Snapshot()
	if u.Attempts != 3 || u.FailedAttempts != 1 {
		t.Fatalf("attempts = %d failed = %d", u.Attempts, u.FailedAttempts)
	}
	want := 2*audioCostPerMinute + 0.03 + 0.03
	if diff := u.EstimatedCostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", u.EstimatedCostUSD, want)
	}
}
