package extractor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"echo-forge-go/internal/types"
)

const (
	maxTranscriptChars = 8000
	maxEmotionChars    = 2000
	truncationNote     = "\n\n[transcript truncated for analysis]"
)

var languageNames = map[string]string{
	"tr": "Turkish", "en": "English", "de": "German", "fr": "French", "es": "Spanish", "it": "Italian",
	"ru": "Russian", "ja": "Japanese", "ko": "Korean", "zh": "Chinese", "ar": "Arabic",
}

var summaryLength = map[types.Depth]string{
	types.DepthBasic:         "2-3 sentences",
	types.DepthMedium:        "one paragraph of 5-7 sentences",
	types.DepthDetailed:      "several paragraphs followed by a bullet list of the key points",
	types.DepthComprehensive: "a multi-section report covering topics, key points, decisions and action items",
}

var keywordCount = map[types.Depth]int{
	types.DepthBasic:         5,
	types.DepthMedium:        10,
	types.DepthDetailed:      15,
	types.DepthComprehensive: 20,
}

const systemPrompt = `You analyze transcripts of spoken audio. Ground every statement in the transcript. Do not invent facts, names or numbers.`

// BuildPrompt renders the completion request for one analysis type.
func BuildPrompt(kind types.AnalysisType, transcript string, s types.Settings) (Prompt, error) {
	p := Prompt{
		Kind:        kind,
		System:      systemPrompt,
		Model:       s.Model,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	}
	lang := "Respond in the language of the transcript."
	if name, ok := languageNames[s.Language]; ok {
		lang = fmt.Sprintf("Respond in %s.", name)
	}

	switch kind {
	case types.AnalysisSummary:
		p.User = fmt.Sprintf(`Summarize the transcript below in %s. Highlight the main topics and the important points. %s

TRANSCRIPT:
%s

Summary:`, summaryLength[s.Depth], lang, clip(transcript, maxTranscriptChars))

	case types.AnalysisKeywords:
		p.User = fmt.Sprintf(`Extract the %d most important keywords or key phrases from the transcript below. %s
Return ONLY JSON of the form {"keywords":[{"term":"...","relevance":0.0}]} with relevance between 0 and 1, most relevant first.

TRANSCRIPT:
%s`, keywordCount[s.Depth], lang, clip(transcript, maxTranscriptChars))

	case types.AnalysisEmotion:
		detail := "one short sentence"
		if s.Depth == types.DepthDetailed || s.Depth == types.DepthComprehensive {
			detail = "a few sentences naming the dominant emotions and where the tone shifts"
		}
		p.User = fmt.Sprintf(`Analyze the emotional tone of the transcript below. %s
Return ONLY JSON of the form {"label":"positive|negative|neutral","detail":"%s","confidence":0.0} with confidence between 0 and 1.

TRANSCRIPT:
%s`, lang, detail, clip(transcript, maxEmotionChars))

	default:
		return Prompt{}, types.NewConfigurationError("analysis type %q has no prompt", kind)
	}
	return p, nil
}

// KindTranslation marks translation prompts; it is not a requestable
// analysis type.
const KindTranslation types.AnalysisType = "translation"

const (
	translatorPrompt     = `You are a professional translator. Return only the translation. Keep the meaning, tone and formatting of the original.`
	translationTemp      = 0.3
	maxTranslationLength = 64
)

// BuildTranslationPrompt renders a request to translate text into language,
// given as an ISO code or a language name.
func BuildTranslationPrompt(text, language string, s types.Settings) (Prompt, error) {
	language = strings.TrimSpace(language)
	if language == "" || len(language) > maxTranslationLength {
		return Prompt{}, types.NewConfigurationError("translation language %q is invalid", language)
	}
	if name, ok := languageNames[strings.ToLower(language)]; ok {
		language = name
	}
	return Prompt{
		Kind:        KindTranslation,
		System:      translatorPrompt,
		User:        fmt.Sprintf("Translate the following text into %s:\n\n%s", language, text),
		Model:       s.Model,
		Temperature: translationTemp,
		MaxTokens:   s.MaxTokens,
	}, nil
}

// clip truncates s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationNote
}
