// Package sentiment provides a lightweight pattern-based classifier for
// inbound lead messages. It only detects coarse signals (frustration,
// disengagement, buying interest) used to nudge the lead score and to flag
// conversations that may need a human; nuanced understanding stays with the
// language model.
package sentiment

import (
	"strings"
)

// Signal is the coarse classification of an inbound message.
type Signal string

const (
	SignalNeutral    Signal = "neutral"
	SignalPositive   Signal = "positive"
	SignalFrustrated Signal = "frustrated"
	SignalDisengaged Signal = "disengaged"
)

// Pattern lists are lowercase substrings matched against the normalized
// message. Spanish first since that is the primary audience, with common
// English equivalents.
var frustrationPatterns = []string{
	"no me sirve",
	"no funciona",
	"esto no ayuda",
	"ya te dije",
	"otra vez",
	"estoy harto",
	"estoy harta",
	"qué mal servicio",
	"pésimo",
	"quiero hablar con una persona",
	"quiero hablar con un humano",
	"this is useless",
	"not helpful",
	"i already told you",
	"speak to a human",
	"talk to a person",
}

var disengagementPatterns = []string{
	"no me interesa",
	"ya no quiero",
	"déjame en paz",
	"no me escribas",
	"deja de escribir",
	"cancela todo",
	"olvídalo",
	"not interested",
	"stop messaging",
	"leave me alone",
	"unsubscribe",
}

var positivePatterns = []string{
	"me interesa",
	"suena bien",
	"perfecto",
	"excelente",
	"claro que sí",
	"agendemos",
	"cuándo podemos",
	"quiero agendar",
	"me gustaría",
	"sounds good",
	"i'm interested",
	"let's book",
	"let's schedule",
}

// Classify returns the first matching signal for text, checking frustration
// and disengagement before positive cues so a mixed message errs toward the
// cautious reading.
func Classify(text string) Signal {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return SignalNeutral
	}

	for _, p := range disengagementPatterns {
		if strings.Contains(normalized, p) {
			return SignalDisengaged
		}
	}
	for _, p := range frustrationPatterns {
		if strings.Contains(normalized, p) {
			return SignalFrustrated
		}
	}
	for _, p := range positivePatterns {
		if strings.Contains(normalized, p) {
			return SignalPositive
		}
	}
	return SignalNeutral
}

// ScoreDelta maps a signal to a lead-score adjustment. Deltas are small so a
// single message never dominates the model-driven score.
func ScoreDelta(s Signal) int {
	switch s {
	case SignalPositive:
		return 5
	case SignalFrustrated:
		return -5
	case SignalDisengaged:
		return -15
	default:
		return 0
	}
}

// NeedsHuman reports whether the signal should flag the conversation for
// human review.
func NeedsHuman(s Signal) bool {
	return s == SignalFrustrated
}
