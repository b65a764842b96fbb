package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

type Depth string

const (
	DepthBasic         Depth = "basic"
	DepthMedium        Depth = "medium"
	DepthDetailed      Depth = "detailed"
	DepthComprehensive Depth = "comprehensive"
)

var Depths = []Depth{DepthBasic, DepthMedium, DepthDetailed, DepthComprehensive}

type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatSRT  OutputFormat = "srt"
	FormatVTT  OutputFormat = "vtt"
)

var OutputFormats = []OutputFormat{FormatText, FormatSRT, FormatVTT}

// LanguageAuto lets the transcription provider detect the language.
const LanguageAuto = "auto"

var Languages = []string{LanguageAuto, "tr", "en", "de", "fr", "es", "it", "ru", "ja", "ko", "zh", "ar"}

var DefaultModels = []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo", "gpt-4o", "gemini-2.5-flash", "gemini-2.5-pro"}

const (
	MinRetryBudget = 1
	MaxRetryBudget = 10
	MaxTokensLimit = 8192
)

// Settings are the per-job options. Everything except RetryBudget and
// UILocale affects the produced output and therefore the fingerprint.
type Settings struct {
	Language      string         `json:"language" yaml:"language"`
	Format        OutputFormat   `json:"format" yaml:"format"`
	AnalysisTypes []AnalysisType `json:"analysis_types" yaml:"analysis_types"`
	Depth         Depth          `json:"depth" yaml:"depth"`
	Model         string         `json:"model" yaml:"model"`
	Temperature   float64        `json:"temperature" yaml:"temperature"`
	MaxTokens     int            `json:"max_tokens" yaml:"max_tokens"`
	RetryBudget   int            `json:"retry_budget" yaml:"retry_budget"`
	UILocale      string         `json:"ui_locale,omitempty" yaml:"ui_locale"`
}

func DefaultSettings() Settings {
	return Settings{
		Language:      LanguageAuto,
		Format:        FormatText,
		AnalysisTypes: []AnalysisType{AnalysisSummary},
		Depth:         DepthMedium,
		Model:         "gpt-4-turbo",
		Temperature:   0.0,
		MaxTokens:     1000,
		RetryBudget:   3,
	}
}

// Merge fills zero-valued fields of s from defaults.
func (s Settings) Merge(defaults Settings) Settings {
	if s.Language == "" {
		s.Language = defaults.Language
	}
	if s.Format == "" {
		s.Format = defaults.Format
	}
	if s.AnalysisTypes == nil {
		s.AnalysisTypes = slices.Clone(defaults.AnalysisTypes)
	}
	if s.Depth == "" {
		s.Depth = defaults.Depth
	}
	if s.Model == "" {
		s.Model = defaults.Model
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = defaults.MaxTokens
	}
	if s.RetryBudget == 0 {
		s.RetryBudget = defaults.RetryBudget
	}
	if s.UILocale == "" {
		s.UILocale = defaults.UILocale
	}
	return s
}

// Normalize lowercases enum values and sorts and dedups analysis types so
// equal option sets compare equal.
func (s Settings) Normalize() Settings {
	s.Language = strings.ToLower(strings.TrimSpace(s.Language))
	s.Format = OutputFormat(strings.ToLower(strings.TrimSpace(string(s.Format))))
	s.Depth = Depth(strings.ToLower(strings.TrimSpace(string(s.Depth))))
	s.Model = strings.TrimSpace(s.Model)
	kinds := make([]AnalysisType, 0, len(s.AnalysisTypes))
	for _, a := range s.AnalysisTypes {
		kinds = append(kinds, AnalysisType(strings.ToLower(strings.TrimSpace(string(a)))))
	}
	slices.Sort(kinds)
	s.AnalysisTypes = slices.Compact(kinds)
	return s
}

// Validate checks every option against its fixed value set. models lists
// the accepted model names; nil means DefaultModels.
func (s Settings) Validate(models []string) error {
	if models == nil {
		models = DefaultModels
	}
	var errs []error
	if !slices.Contains(Languages, s.Language) {
		errs = append(errs, fmt.Errorf("language %q not in %v", s.Language, Languages))
	}
	if !slices.Contains(OutputFormats, s.Format) {
		errs = append(errs, fmt.Errorf("format %q not in %v", s.Format, OutputFormats))
	}
	for _, a := range s.AnalysisTypes {
		if !slices.Contains(AnalysisTypes, a) {
			errs = append(errs, fmt.Errorf("analysis type %q not in %v", a, AnalysisTypes))
		}
	}
	if !slices.Contains(Depths, s.Depth) {
		errs = append(errs, fmt.Errorf("depth %q not in %v", s.Depth, Depths))
	}
	if !slices.Contains(models, s.Model) {
		errs = append(errs, fmt.Errorf("model %q not in %v", s.Model, models))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v out of range [0,2]", s.Temperature))
	}
	if s.MaxTokens < 1 || s.MaxTokens > MaxTokensLimit {
		errs = append(errs, fmt.Errorf("max_tokens %d out of range [1,%d]", s.MaxTokens, MaxTokensLimit))
	}
	if s.RetryBudget < MinRetryBudget || s.RetryBudget > MaxRetryBudget {
		errs = append(errs, fmt.Errorf("retry_budget %d out of range [%d,%d]", s.RetryBudget, MinRetryBudget, MaxRetryBudget))
	}
	if len(errs) > 0 {
		return &Error{Class: ClassConfiguration, Op: "validate settings", Err: errors.Join(errs...)}
	}
	return nil
}

// DecodeSettings reads a flat JSON settings object, rejecting unknown keys.
func DecodeSettings(r io.Reader) (Settings, error) {
	var s Settings
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, &Error{Class: ClassConfiguration, Op: "decode settings", Err: err}
	}
	return s, nil
}
