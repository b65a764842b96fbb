package extractor

import (
	"strings"

	"echo-forge-go/internal/types"
)

// SpeechRate measures words per minute over the whole recording.
func SpeechRate(transcript string, durationSeconds float64) types.SpeechRate {
	words := len(strings.Fields(transcript))
	if durationSeconds <= 0 {
		return types.SpeechRate{
			WordCount: words,
			Category:  "unknown",
			Quality:   "not assessable: duration unknown",
		}
	}
	wpm := float64(words) / durationSeconds * 60
	return types.SpeechRate{
		WordCount:       words,
		DurationMinutes: durationSeconds / 60,
		WordsPerMinute:  wpm,
		Category:        speedCategory(wpm),
		Quality:         speedQuality(wpm),
	}
}

func speedCategory(wpm float64) string {
	switch {
	case wpm < 120:
		return "slow"
	case wpm < 160:
		return "normal"
	case wpm < 200:
		return "fast"
	default:
		return "very fast"
	}
}

func speedQuality(wpm float64) string {
	switch {
	case wpm >= 120 && wpm <= 160:
		return "excellent"
	case wpm >= 100 && wpm <= 180:
		return "good"
	case wpm >= 80 && wpm <= 220:
		return "medium"
	default:
		return "poor"
	}
}
