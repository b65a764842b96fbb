package actionable

import (
	"fmt"

	"echo-forge-go/internal/aggregator"
)

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

const (
	lowConfidence       = 0.7
	costPerHourCeiling  = 1.0
	unknownLanguageRate = 0.35
)

// Generate returns the single most pressing recommendation for the history
// summarized in st. Rules are checked in order and the first match wins.
func Generate(st aggregator.Stats) ActionCard {
	if st.TotalEntries == 0 {
		return ActionCard{
			Insight: "No transcriptions in history yet",
			Action:  "Submit recordings to start building history",
			Impact:  "None until data is available",
		}
	}

	if st.AvgConfidence > 0 && st.AvgConfidence < lowConfidence {
		return ActionCard{
			Insight: fmt.Sprintf("Low average transcription confidence (%.0f%%)", st.AvgConfidence*100),
			Action:  "Set the recording language explicitly instead of auto and prefer cleaner source audio",
			Impact:  "Fewer transcription errors carried into analyses",
		}
	}

	if hours := st.TotalAudioSeconds / 3600; hours > 0 {
		if perHour := st.TotalCostUSD / hours; perHour > costPerHourCeiling {
			return ActionCard{
				Insight: fmt.Sprintf("Provider cost is $%.2f per audio hour", perHour),
				Action:  "Use basic depth or a smaller model for routine recordings",
				Impact:  "Lower provider spend",
			}
		}
	}

	for _, lc := range st.Languages {
		if lc.Language != "unknown" {
			continue
		}
		if share := float64(lc.Count) / float64(st.TotalEntries); share >= unknownLanguageRate {
			return ActionCard{
				Insight: fmt.Sprintf("%.0f%% of recordings have no detected language", share*100),
				Action:  "Pass the language with each submission",
				Impact:  "More reliable language statistics and analysis prompts",
			}
		}
	}

	return ActionCard{
		Insight: "No strong quality or cost pattern detected",
		Action:  "Monitor and collect more data",
		Impact:  "Low immediate intervention",
	}
}
