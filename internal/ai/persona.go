// Package ai streams persona replies for messages that mention an AI persona.
package ai

import (
	"regexp"
	"strings"
)

// Persona is a fixed system prompt answering to one mention token.
type Persona struct {
	Name         string
	DisplayName  string
	SystemPrompt string
}

const (
	PersonaWayne      = "wayneAI"
	PersonaConsulting = "consultingAI"
)

var personas = map[string]Persona{
	PersonaWayne: {
		Name:        PersonaWayne,
		DisplayName: "Wayne AI",
		SystemPrompt: "You are Wayne AI, a friendly and knowledgeable assistant in a group chat. " +
			"Answer clearly and concisely. Use markdown code blocks for code.",
	},
	PersonaConsulting: {
		Name:        PersonaConsulting,
		DisplayName: "Consulting AI",
		SystemPrompt: "You are Consulting AI, a professional business consultant in a group chat. " +
			"Give structured, practical advice and state your assumptions.",
	},
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// LookupPersona resolves a mention token.
func LookupPersona(name string) (Persona, bool) {
	persona, ok := personas[name]
	return persona, ok
}

// ExtractMentions returns the distinct persona tokens mentioned in content, in
// order of first appearance.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, match := range matches {
		name := match[1]
		if _, ok := personas[name]; !ok {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}
	return mentions
}

// StripMention removes every @persona token, with the spaces following it, from
// content. Line breaks and indentation inside the query are kept.
func StripMention(content, persona string) string {
	pattern := regexp.MustCompile(`@` + regexp.QuoteMeta(persona) + `\b[ \t]*`)
	return strings.TrimSpace(pattern.ReplaceAllString(content, ""))
}
