// Package export renders history entries as JSON, Excel and Word files.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"echo-forge-go/internal/types"
)

type jsonExport struct {
	ExportTimestamp time.Time            `json:"export_timestamp"`
	TotalRecords    int                  `json:"total_records"`
	Transcriptions  []types.HistoryEntry `json:"transcriptions"`
}

// WriteJSON writes entries wrapped with an export timestamp and count.
func WriteJSON(w io.Writer, entries []types.HistoryEntry, now time.Time) error {
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{ExportTimestamp: now.UTC(), TotalRecords: len(entries), Transcriptions: entries})
}

func keywordList(out types.AnalysisOutput) string {
	terms := make([]string, len(out.Keywords))
	for i, k := range out.Keywords {
		terms[i] = k.Term
	}
	return strings.Join(terms, ", ")
}

func emotionLine(out types.AnalysisOutput) string {
	if out.Emotion == nil {
		return ""
	}
	e := out.Emotion
	if e.Detail == "" {
		return fmt.Sprintf("%s (%.0f%%)", e.Label, e.Confidence*100)
	}
	return fmt.Sprintf("%s (%.0f%%): %s", e.Label, e.Confidence*100, e.Detail)
}

func speedLine(out types.AnalysisOutput) string {
	if out.SpeechRate == nil {
		return ""
	}
	r := out.SpeechRate
	return fmt.Sprintf("%.0f wpm, %s, %s", r.WordsPerMinute, r.Category, r.Quality)
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
