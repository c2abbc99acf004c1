package ai

import (
	"fmt"

	"github.com/pliu/devfusion/internal/models"
)

const (
	LanguageHinglish = "Hinglish"
	LanguageEnglish  = "English"
)

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// WithPreferences appends the requester's stack, style and language
// directives to a prompt.
func WithPreferences(prompt string, prefs models.Preferences) string {
	lang := "Reply in standard English."
	if prefs.Language == LanguageHinglish {
		lang = "Reply in a mix of Hindi and English (Hinglish) as if explaining to an Indian friend. Keep technical terms in English."
	}
	return fmt.Sprintf("%s\n\n[System Note: User Preference - Stack: %s, Style: %s. %s Please adapt code output accordingly.]",
		prompt, orDefault(prefs.PreferredStack, "Standard"), orDefault(prefs.CodeStyle, "Standard"), lang)
}

// ResolveLanguage picks the explicit language if set, else the profile's.
func ResolveLanguage(explicit string, prefs *models.Preferences) string {
	if explicit != "" {
		return explicit
	}
	if prefs != nil && prefs.Language != "" {
		return prefs.Language
	}
	return LanguageEnglish
}
