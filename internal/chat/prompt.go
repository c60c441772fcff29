package chat

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt is the assistant persona.
const DefaultSystemPrompt = `You are J.A.R.V.I.S, a calm, precise and slightly witty personal assistant. ` +
	`Answer concisely: your replies are often spoken aloud, so avoid markdown, tables and long lists.`

var languageNames = map[string]string{
	"fr": "French",
	"en": "English",
	"de": "German",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ar": "Arabic",
	"ja": "Japanese",
	"zh": "Chinese",
}

// LanguageName returns the English name of a locale's language, or the
// locale itself when unknown.
func LanguageName(locale string) string {
	lang, _, _ := strings.Cut(strings.ReplaceAll(locale, "_", "-"), "-")
	if name, ok := languageNames[strings.ToLower(lang)]; ok {
		return name
	}
	return locale
}

// SystemPrompt assembles the persona, the response language instruction and
// optional web search context.
func SystemPrompt(base, locale, searchContext string) string {
	var sb strings.Builder
	sb.WriteString(base)
	fmt.Fprintf(&sb, "\n\nAlways answer in %s (%s), whatever the language of the question.", LanguageName(locale), locale)
	if searchContext != "" {
		sb.WriteString("\n\nWeb search results for the user's message follow. Use them when relevant and cite the source URL.\n\n")
		sb.WriteString(searchContext)
	}
	return sb.String()
}
