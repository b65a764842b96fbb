package aggregator

import (
	"sort"

	"echo-forge-go/internal/types"
)

type LanguageCount struct {
	Language     string  `json:"language"`
	Count        int     `json:"count"`
	AudioSeconds float64 `json:"audio_seconds"`
}

type MonthCount struct {
	Month        string  `json:"month"`
	Count        int     `json:"count"`
	AudioSeconds float64 `json:"audio_seconds"`
}

type Stats struct {
	TotalEntries         int                        `json:"total_entries"`
	Favorites            int                        `json:"favorites"`
	TotalAudioSeconds    float64                    `json:"total_audio_seconds"`
	TotalCostUSD         float64                    `json:"total_cost_usd"`
	AvgConfidence        float64                    `json:"avg_confidence"`
	AvgProcessingSeconds float64                    `json:"avg_processing_seconds"`
	Languages            []LanguageCount            `json:"languages"`
	Monthly              []MonthCount               `json:"monthly"`
	AnalysisCounts       map[types.AnalysisType]int `json:"analysis_counts"`
}

const monthsShown = 12

// Aggregate summarizes history entries. Languages are ordered by count,
// months newest first and capped at a year.
func Aggregate(entries []types.HistoryEntry) Stats {
	st := Stats{AnalysisCounts: map[types.AnalysisType]int{}}
	langs := map[string]*LanguageCount{}
	months := map[string]*MonthCount{}
	var confidence, processing float64

	for _, e := range entries {
		r := e.Result
		st.TotalEntries++
		if e.Favorite {
			st.Favorites++
		}
		st.TotalAudioSeconds += r.DurationSeconds
		st.TotalCostUSD += r.Usage.EstimatedCostUSD
		confidence += r.Quality.Confidence
		processing += r.ProcessingSeconds

		lang := e.Language
		if lang == "" {
			lang = "unknown"
		}
		lc, ok := langs[lang]
		if !ok {
			lc = &LanguageCount{Language: lang}
			langs[lang] = lc
		}
		lc.Count++
		lc.AudioSeconds += r.DurationSeconds

		month := e.CreatedAt.UTC().Format("2006-01")
		mc, ok := months[month]
		if !ok {
			mc = &MonthCount{Month: month}
			months[month] = mc
		}
		mc.Count++
		mc.AudioSeconds += r.DurationSeconds

		for kind := range r.Analysis {
			st.AnalysisCounts[kind]++
		}
	}

	if st.TotalEntries > 0 {
		st.AvgConfidence = confidence / float64(st.TotalEntries)
		st.AvgProcessingSeconds = processing / float64(st.TotalEntries)
	}

	st.Languages = make([]LanguageCount, 0, len(langs))
	for _, lc := range langs {
		st.Languages = append(st.Languages, *lc)
	}
	sort.Slice(st.Languages, func(i, j int) bool {
		if st.Languages[i].Count != st.Languages[j].Count {
			return st.Languages[i].Count > st.Languages[j].Count
		}
		return st.Languages[i].Language < st.Languages[j].Language
	})

	st.Monthly = make([]MonthCount, 0, len(months))
	for _, mc := range months {
		st.Monthly = append(st.Monthly, *mc)
	}
	sort.Slice(st.Monthly, func(i, j int) bool { return st.Monthly[i].Month > st.Monthly[j].Month })
	if len(st.Monthly) > monthsShown {
		st.Monthly = st.Monthly[:monthsShown]
	}
	return st
}
