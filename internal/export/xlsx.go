package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"echo-forge-go/internal/aggregator"
	"echo-forge-go/internal/types"
)

const (
	dataSheet  = "Raw_Data"
	statsSheet = "Statistics"
)

var dataHeader = []any{
	"Job ID", "Created", "File", "Source", "Language", "Duration", "Model",
	"Confidence", "Cost (USD)", "Favorite", "Tags", "Summary", "Keywords",
	"Emotion", "Speech Rate", "Transcript",
}

// WriteXLSX writes one row per entry plus a statistics sheet.
func WriteXLSX(w io.Writer, entries []types.HistoryEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", dataSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create style: %w", err)
	}

	if err := f.SetSheetRow(dataSheet, "A1", &dataHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(dataHeader))
	_ = f.SetCellStyle(dataSheet, "A1", lastCol+"1", bold)

	for i, e := range entries {
		r := e.Result
		row := []any{
			e.JobID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.FileName,
			e.Source,
			e.Language,
			formatDuration(r.DurationSeconds),
			r.Model,
			r.Quality.Confidence,
			r.Usage.EstimatedCostUSD,
			e.Favorite,
			strings.Join(e.Tags, ", "),
			e.Summary,
			keywordList(r.Analysis[types.AnalysisKeywords]),
			emotionLine(r.Analysis[types.AnalysisEmotion]),
			speedLine(r.Analysis[types.AnalysisSpeed]),
			e.Transcript,
		}
		cellName, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(dataSheet, cellName, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(statsSheet); err != nil {
		return fmt.Errorf("create stats sheet: %w", err)
	}
	st := aggregator.Aggregate(entries)
	stats := [][]any{
		{"Metric", "Value"},
		{"Total entries", st.TotalEntries},
		{"Favorites", st.Favorites},
		{"Total audio", formatDuration(st.TotalAudioSeconds)},
		{"Total cost (USD)", st.TotalCostUSD},
		{"Average confidence", st.AvgConfidence},
		{"Average processing (s)", st.AvgProcessingSeconds},
	}
	for _, lc := range st.Languages {
		stats = append(stats, []any{"Language " + lc.Language, lc.Count})
	}
	for i, row := range stats {
		cellName, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(statsSheet, cellName, &row); err != nil {
			return fmt.Errorf("write stats row: %w", err)
		}
	}
	_ = f.SetCellStyle(statsSheet, "A1", "B1", bold)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}
