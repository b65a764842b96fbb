package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"

	"echo-forge-go/internal/types"
)

const (
	fontName = "Times New Roman"
	fontSize = 12
)

// WriteDOCX saves a Word report of one entry at outputPath.
func WriteDOCX(outputPath string, e types.HistoryEntry) error {
	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("new document: %w", err)
	}
	r := e.Result

	title := r.Title
	if title == "" {
		title = e.FileName
	}
	addRun(doc.AddParagraph(""), title, true, 16)

	meta := []string{
		"Date: " + e.CreatedAt.UTC().Format(time.RFC1123),
		"Language: " + orDash(e.Language),
		"Duration: " + formatDuration(r.DurationSeconds),
		"Model: " + orDash(r.Model),
		fmt.Sprintf("Confidence: %.0f%%", r.Quality.Confidence*100),
	}
	if len(e.Tags) > 0 {
		meta = append(meta, "Tags: "+strings.Join(e.Tags, ", "))
	}
	for _, line := range meta {
		addRun(doc.AddParagraph(""), line, false, fontSize)
	}

	section := func(heading, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		doc.AddParagraph("")
		addRun(doc.AddParagraph(""), heading, true, 14)
		for _, para := range strings.Split(body, "\n") {
			if para = strings.TrimSpace(para); para != "" {
				addRun(doc.AddParagraph(""), para, false, fontSize)
			}
		}
	}

	section("Summary", e.Summary)
	section("Keywords", keywordList(r.Analysis[types.AnalysisKeywords]))
	section("Emotion", emotionLine(r.Analysis[types.AnalysisEmotion]))
	section("Speech Rate", speedLine(r.Analysis[types.AnalysisSpeed]))
	section("Transcript", e.Transcript)

	return doc.SaveTo(outputPath)
}

func addRun(p *docx.Paragraph, text string, bold bool, size uint64) {
	run := p.AddText(text).Font(fontName).Size(size).Color("000000")
	if bold {
		run.Bold(true)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
