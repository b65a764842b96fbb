package extractor

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"echo-forge-go/internal/types"
)

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

func parseOutput(kind types.AnalysisType, content string) types.AnalysisOutput {
	out := types.AnalysisOutput{Type: kind, Raw: content}
	switch kind {
	case types.AnalysisSummary:
		out.Summary = strings.TrimSpace(stripFences(content))
	case types.AnalysisKeywords:
		out.Keywords = parseKeywords(content)
	case types.AnalysisEmotion:
		e := parseEmotion(content)
		out.Emotion = &e
	}
	return out
}

// parseKeywords accepts the requested JSON shape and falls back to a
// comma- or newline-separated list.
func parseKeywords(content string) []types.Keyword {
	if raw := extractJSON(content); raw != "" {
		var obj struct {
			Keywords []json.RawMessage `json:"keywords"`
		}
		if json.Unmarshal([]byte(raw), &obj) == nil && len(obj.Keywords) > 0 {
			var out []types.Keyword
			for _, item := range obj.Keywords {
				var kw types.Keyword
				if json.Unmarshal(item, &kw) == nil && kw.Term != "" {
					out = append(out, kw)
					continue
				}
				var term string
				if json.Unmarshal(item, &term) == nil && term != "" {
					out = append(out, types.Keyword{Term: term})
				}
			}
			if len(out) > 0 {
				return rankless(out)
			}
		}
	}

	text := stripFences(content)
	sep := ","
	if !strings.Contains(text, ",") {
		sep = "\n"
	}
	var out []types.Keyword
	seen := map[string]bool{}
	for _, part := range strings.Split(text, sep) {
		term := strings.Trim(strings.TrimSpace(listMarker.ReplaceAllString(part, "")), `"'`)
		if term == "" || seen[strings.ToLower(term)] {
			continue
		}
		seen[strings.ToLower(term)] = true
		out = append(out, types.Keyword{Term: term})
	}
	return rankless(out)
}

// rankless assigns descending relevance to keywords the model left unscored.
func rankless(kws []types.Keyword) []types.Keyword {
	for i := range kws {
		if kws[i].Relevance == 0 {
			kws[i].Relevance = 1 - float64(i)/float64(len(kws)+1)
		}
	}
	return kws
}

var emotionLabels = map[string]string{
	"positive": "positive", "pozitif": "positive",
	"negative": "negative", "negatif": "negative",
	"neutral": "neutral", "nötr": "neutral", "notr": "neutral",
	"mixed": "mixed",
}

// parseEmotion accepts the requested JSON shape and falls back to
// "Label: / Detail: / Confidence:" lines.
func parseEmotion(content string) types.Emotion {
	if raw := extractJSON(content); raw != "" {
		var e types.Emotion
		if json.Unmarshal([]byte(raw), &e) == nil && e.Label != "" {
			e.Label = normalizeLabel(e.Label)
			if e.Confidence > 1 {
				e.Confidence /= 100
			}
			return e
		}
	}

	var e types.Emotion
	for _, line := range strings.Split(stripFences(content), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.Trim(strings.TrimSpace(value), "[]")
		switch {
		case strings.Contains(key, "label") || strings.Contains(key, "emotion") || strings.Contains(key, "duygu") || strings.Contains(key, "sentiment"):
			e.Label = normalizeLabel(value)
		case strings.Contains(key, "detail") || strings.Contains(key, "detay"):
			e.Detail = value
		case strings.Contains(key, "confidence") || strings.Contains(key, "güven"):
			e.Confidence = parsePercent(value)
		}
	}
	if e.Label == "" {
		e.Label = "neutral"
		e.Detail = strings.TrimSpace(content)
	}
	return e
}

func normalizeLabel(s string) string {
	l := strings.ToLower(strings.TrimSpace(s))
	if v, ok := emotionLabels[l]; ok {
		return v
	}
	return l
}

func parsePercent(s string) float64 {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(s), "%"), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	return v
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```text", "```"} {
		s = strings.ReplaceAll(s, r, "")
	}
	return strings.TrimSpace(s)
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = stripFences(s)

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}

	// no balanced found
	return ""
}
