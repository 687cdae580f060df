package agent

import (
	"log/slog"
	"regexp"
	"unicode/utf8"
)

// guaranteeRewrites replaces overconfident or guarantee phrasing the
// assistant must never send. Matching is case-insensitive on the original
// message; longer phrases come before their substrings so the most specific
// rewrite wins.
var guaranteeRewrites = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{denyPhrase("100% garantizado"), "muy probable"},
	{denyPhrase("te garantizo"), "espero poder ofrecerte"},
	{denyPhrase("garantizamos"), "buscamos ofrecer"},
	{denyPhrase("garantizado"), "esperado"},
	{denyPhrase("100% seguro"), "muy probable"},
	{denyPhrase("sin ningún riesgo"), "con bajo riesgo"},
	{denyPhrase("te aseguro que"), "creo que"},
	{denyPhrase("resultados asegurados"), "buenos resultados"},
	{denyPhrase("i guarantee"), "i expect"},
	{denyPhrase("guaranteed"), "expected"},
	{denyPhrase("risk-free"), "low-risk"},
}

func denyPhrase(phrase string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase))
}

// applyGuardrails rewrites deny-listed phrasing and truncates the message to
// the hard length cap.
func applyGuardrails(message string) string {
	rewritten := message
	for _, r := range guaranteeRewrites {
		rewritten = r.pattern.ReplaceAllString(rewritten, r.replace)
	}
	if rewritten != message {
		slog.Debug("applyGuardrails: rewrote overconfident phrasing")
	}

	if utf8.RuneCountInString(rewritten) > MaxMessageLength {
		runes := []rune(rewritten)
		rewritten = string(runes[:MaxMessageLength-1]) + "…"
		slog.Debug("applyGuardrails: truncated long message", "length", len(runes))
	}
	return rewritten
}
