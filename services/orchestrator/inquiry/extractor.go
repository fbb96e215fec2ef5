// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inquiry pulls a contact request out of a chat transcript.
//
// # Description
//
// When the assistant signals that a visitor wants to be put in touch, the
// Extractor runs an ordered rule pipeline over the conversation:
//
//  1. email: first regex match anywhere in the conversation
//  2. name: capture patterns over visitor turns, minus a stop-word list
//  3. category: keyword groups by priority, default "general"
//  4. summary: visitor sentences that state a need, else the last three
//     visitor turns
//
// # Limitations
//
// Extraction is a heuristic. It can mis-extract, it does not validate an
// email beyond the regex, and it substitutes placeholders for anything it
// cannot find. Treat the result as a best-effort draft for a human reader.
package inquiry

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// Placeholders used when a field cannot be extracted.
const (
	PlaceholderEmail = "unknown@visitor.invalid"
	PlaceholderName  = "Website Visitor"
)

const (
	excerptMessages = 10
	excerptMaxChars = 2000
	fallbackTurns   = 3

	// summaryMaxChars keeps the summary under the notification message
	// limit (5000) however long the conversation runs.
	summaryMaxChars = 4000
)

var sentenceSplit = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)

// Inquiry is the extractor's output.
type Inquiry struct {
	Email     string
	Name      string
	Type      string
	Message   string
	Excerpt   string
	SessionID string

	// EmailFound and NameFound are false when a placeholder was used.
	EmailFound bool
	NameFound  bool
}

// NotificationRequest converts the inquiry to the notifier's input.
func (q Inquiry) NotificationRequest() datatypes.NotificationRequest {
	return datatypes.NotificationRequest{
		VisitorEmail:        q.Email,
		VisitorName:         q.Name,
		InquiryType:         q.Type,
		Message:             q.Message,
		ConversationContext: q.Excerpt,
		SessionID:           q.SessionID,
	}
}

// Extractor applies a RuleSet to conversations. It is immutable and safe
// for concurrent use.
type Extractor struct {
	rules *RuleSet
}

// NewExtractor builds an extractor from the embedded rules.
func NewExtractor() (*Extractor, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return &Extractor{rules: rules}, nil
}

func NewExtractorWithRules(rules *RuleSet) *Extractor {
	return &Extractor{rules: rules}
}

// Extract runs every stage over conversation (oldest first).
func (e *Extractor) Extract(sessionID string, conversation []datatypes.Message) Inquiry {
	var userTurns []string
	for _, m := range conversation {
		if m.Role == string(datatypes.RoleUser) {
			userTurns = append(userTurns, m.Content)
		}
	}

	q := Inquiry{SessionID: sessionID}

	q.Email, q.EmailFound = e.extractEmail(conversation)
	if !q.EmailFound {
		q.Email = PlaceholderEmail
	}

	q.Name, q.NameFound = e.extractName(userTurns)
	if !q.NameFound {
		q.Name = PlaceholderName
	}

	q.Type = e.classify(strings.Join(userTurns, "\n"))
	q.Message = e.summarize(userTurns)
	q.Excerpt = Excerpt(conversation)
	return q
}

func (e *Extractor) extractEmail(conversation []datatypes.Message) (string, bool) {
	for _, rule := range e.rules.email {
		for _, m := range conversation {
			if match := rule.compiled.FindString(m.Content); match != "" {
				return strings.TrimRight(match, "."), true
			}
		}
	}
	return "", false
}

func (e *Extractor) extractName(userTurns []string) (string, bool) {
	for _, rule := range e.rules.name {
		for _, turn := range userTurns {
			for _, sub := range rule.compiled.FindAllStringSubmatch(turn, -1) {
				if name, ok := e.cleanName(sub[1]); ok {
					return name, true
				}
			}
		}
	}
	return "", false
}

// cleanName drops trailing stop-words from a two-word capture and rejects
// a capture whose first word is a stop-word.
func (e *Extractor) cleanName(raw string) (string, bool) {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return "", false
	}
	if e.isStopword(words[0]) {
		return "", false
	}
	kept := words[:1]
	for _, w := range words[1:] {
		if e.isStopword(w) {
			break
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " "), true
}

func (e *Extractor) isStopword(w string) bool {
	_, ok := e.rules.stopwords[strings.ToLower(strings.Trim(w, "'-"))]
	return ok
}

func (e *Extractor) classify(userText string) string {
	for _, c := range e.rules.category {
		for _, re := range c.compiled {
			if re.MatchString(userText) {
				return c.Name
			}
		}
	}
	return datatypes.InquiryGeneral
}

func (e *Extractor) summarize(userTurns []string) string {
	var picked []string
	for _, turn := range userTurns {
		for _, sentence := range splitSentences(turn) {
			if e.statesNeed(sentence) {
				picked = append(picked, sentence)
			}
		}
	}
	if len(picked) == 0 {
		start := len(userTurns) - fallbackTurns
		if start < 0 {
			start = 0
		}
		for _, turn := range userTurns[start:] {
			if t := strings.TrimSpace(turn); t != "" {
				picked = append(picked, t)
			}
		}
	}
	return capNewest(picked, summaryMaxChars)
}

// capNewest joins parts with spaces, dropping the oldest parts until the
// result fits in limit runes. A single newest part that is still too long
// is cut on a rune boundary.
func capNewest(parts []string, limit int) string {
	total := 0
	start := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(parts[i])
		if start < len(parts) {
			n++ // separator
		}
		if total+n > limit {
			break
		}
		total += n
		start = i
	}
	if start == len(parts) && len(parts) > 0 {
		runes := []rune(parts[len(parts)-1])
		return string(runes[:limit])
	}
	return strings.Join(parts[start:], " ")
}

func (e *Extractor) statesNeed(sentence string) bool {
	for _, re := range e.rules.need {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceSplit.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Excerpt renders the last ten messages as "Visitor:"/"Assistant:" lines,
// keeping at most the final 2000 characters.
func Excerpt(conversation []datatypes.Message) string {
	start := len(conversation) - excerptMessages
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, excerptMessages)
	for _, m := range conversation[start:] {
		speaker := "Assistant"
		switch m.Role {
		case string(datatypes.RoleUser):
			speaker = "Visitor"
		case string(datatypes.RoleSystem):
			continue
		}
		lines = append(lines, speaker+": "+strings.TrimSpace(m.Content))
	}
	out := strings.Join(lines, "\n")
	if utf8.RuneCountInString(out) <= excerptMaxChars {
		return out
	}
	runes := []rune(out)
	return string(runes[len(runes)-excerptMaxChars:])
}
