// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation produces the streamed answer for a chat turn.
//
// # Description
//
// The generator builds a grounded system prompt, sends system + history +
// user messages to the language model, and exposes the reply as a
// pull-based Stream of visible text increments. A connect-request marker the
// model may emit is removed from the visible text by SentinelFilter and
// surfaced as Result.ConnectRequested instead.
package generation

import (
	"bytes"
	"strings"
	"text/template"
)

// ConnectMarker is the control token the model appends when the visitor asks
// to be put in touch and has shared contact details. It never reaches the
// client.
const ConnectMarker = "[[CONNECT_REQUEST]]"

// DeflectionSentence is the fixed reply for personal or off-topic questions.
const DeflectionSentence = "I'm here to answer questions about professional experience, skills, and projects. Is there something in that area I can help you with?"

// NoInformationSentence is what the model says instead of guessing.
const NoInformationSentence = "I don't have that information"

// Persona names the profile owner the assistant speaks for.
type Persona struct {
	Name string
}

func (p Persona) displayName() string {
	if strings.TrimSpace(p.Name) == "" {
		return "the profile owner"
	}
	return p.Name
}

var systemPromptTemplate = template.Must(template.New("system").Parse(
	`You are the assistant on {{.Name}}'s professional portfolio website. You answer visitors' questions about {{.Name}}'s professional background: skills, work experience, projects, education, and availability.

Rules:
- Only answer professional questions. For personal or unrelated questions reply exactly: "{{.Deflection}}"
- Use only the facts between the CONTEXT markers. If the answer is not there, say "{{.NoInfo}}" rather than inventing details.
- Keep answers concise and friendly, and speak about {{.Name}} in the third person.
- If the visitor asks to get in touch or to be contacted AND has shared an email address in this conversation, confirm that you will pass their message on and end your reply with {{.Marker}} on its own. Never mention the marker otherwise.

---BEGIN CONTEXT---
{{.Context}}
---END CONTEXT---`))

// BuildSystemPrompt renders the system instruction with context embedded
// verbatim between the context markers. An empty context still yields a
// complete prompt; the model is then told nothing is known.
func BuildSystemPrompt(persona Persona, context string) string {
	var buf bytes.Buffer
	// The template is static and every field is a string; Execute cannot fail.
	_ = systemPromptTemplate.Execute(&buf, struct {
		Name       string
		Deflection string
		NoInfo     string
		Marker     string
		Context    string
	}{
		Name:       persona.displayName(),
		Deflection: DeflectionSentence,
		NoInfo:     NoInformationSentence,
		Marker:     ConnectMarker,
		Context:    context,
	})
	return buf.String()
}
