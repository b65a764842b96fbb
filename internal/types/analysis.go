// internal/types/analysis.go
package types

type AnalysisType string

const (
	AnalysisSummary  AnalysisType = "summary"
	AnalysisKeywords AnalysisType = "keywords"
	AnalysisEmotion  AnalysisType = "emotion"
	AnalysisSpeed    AnalysisType = "speed"
)

var AnalysisTypes = []AnalysisType{AnalysisSummary, AnalysisKeywords, AnalysisEmotion, AnalysisSpeed}

// Local reports whether the analysis is computed without a provider call.
func (a AnalysisType) Local() bool {
	return a == AnalysisSpeed
}

type Keyword struct {
	Term      string  `json:"term"`
	Relevance float64 `json:"relevance"`
}

type Emotion struct {
	Label      string  `json:"label"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
}

type SpeechRate struct {
	WordCount       int     `json:"word_count"`
	DurationMinutes float64 `json:"duration_minutes"`
	WordsPerMinute  float64 `json:"words_per_minute"`
	Category        string  `json:"category"`
	Quality         string  `json:"quality"`
}

// AnalysisOutput holds one analysis payload; only the field matching Type is set.
type AnalysisOutput struct {
	Type       AnalysisType `json:"type"`
	Summary    string       `json:"summary,omitempty"`
	Keywords   []Keyword    `json:"keywords,omitempty"`
	Emotion    *Emotion     `json:"emotion,omitempty"`
	SpeechRate *SpeechRate  `json:"speech_rate,omitempty"`
	Model      string       `json:"model,omitempty"`
	Raw        string       `json:"raw,omitempty"`
}
