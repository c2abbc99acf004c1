package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/models"
)

// MaxFeedbackCode is how much submitted code is sent for review.
const MaxFeedbackCode = 5000

var ratings = map[string]bool{"Beginner": true, "Intermediate": true, "Advanced": true}

// Assistant implements the AI operations on top of a Completer.
type Assistant struct {
	completer Completer
}

func NewAssistant(c Completer) *Assistant {
	return &Assistant{completer: c}
}

// Ask sends a chat prompt, decorated with the requester's preferences, and
// returns the validated reply.
func (a *Assistant) Ask(ctx context.Context, prompt string, prefs models.Preferences) (Reply, error) {
	raw, err := a.completer.Complete(ctx, WithPreferences(prompt, prefs))
	if err != nil {
		return Reply{}, err
	}
	return ParseReply(raw)
}

type Feedback struct {
	Rating string   `json:"rating"`
	Tips   []string `json:"tips"`
}

// Feedback rates a piece of code and returns three improvement tips.
func (a *Assistant) Feedback(ctx context.Context, code, language string) (*Feedback, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("no code provided: %w", apperr.ErrInvalidInput)
	}
	code = truncate(code, MaxFeedbackCode)

	prompt := `You are an expert coding tutor. Analyze the following code for a beginner developer.
1. Rate it as "Beginner", "Intermediate", or "Advanced".
2. Provide exactly 3 short, actionable improvement tips.

Format your response as a valid JSON object with NO extra text:
{"rating": "Beginner | Intermediate | Advanced", "tips": ["Tip 1...", "Tip 2...", "Tip 3..."]}

Code to analyze:
` + code
	if language == LanguageHinglish {
		prompt += "\n\n[IMPORTANT: Write the 'tips' in Hinglish (Hindi+English mix) in a friendly \"Bhai\" style. Start explanation with \"Dekh bhai...\" if possible. Keep 'rating' in English.]"
	}

	raw, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var fb Feedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, fmt.Errorf("malformed feedback: %w: %w", apperr.ErrGeneration, err)
	}
	if !ratings[fb.Rating] || len(fb.Tips) != 3 {
		return nil, fmt.Errorf("malformed feedback: rating %q with %d tips: %w", fb.Rating, len(fb.Tips), apperr.ErrGeneration)
	}
	return &fb, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Fix asks for an explanation and fix for an error message.
func (a *Assistant) Fix(ctx context.Context, errorMessage, language string) (string, error) {
	if strings.TrimSpace(errorMessage) == "" {
		return "", fmt.Errorf("error message is required: %w", apperr.ErrInvalidInput)
	}

	prompt := fmt.Sprintf(`You are an automated error fixer.
Error Message: %q

Provide a concise solution/fix.
Format:
1. Explanation (1-2 sentences)
2. Code fix (if applicable)

Put the explanation and code in the "text" field.`, errorMessage)
	if language == LanguageHinglish {
		prompt += "\n\n[SYSTEM: You are a friendly senior developer (\"Bhai\"). Explain the solution in a conversational mix of Hindi and English (Hinglish). Start with \"Dekh bhai...\" or similar. Keep code and technical terms in English.]"
	}

	raw, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	reply, err := ParseReply(raw)
	if err != nil {
		return "", err
	}
	return reply.Body, nil
}
