package analytics

import "strings"

// intentPatterns are evaluated in order; the first category with a matching
// keyword wins.
var intentPatterns = []struct {
	intent   string
	keywords []string
}{
	{"complaint", []string{"complain", "terrible", "worst", "awful", "unacceptable", "disappointed", "angry", "furious", "hate", "never work"}},
	{"cancellation", []string{"cancel", "unsubscribe", "terminate", "end my", "stop my", "close my account"}},
	{"purchase", []string{"buy", "purchase", "order", "pricing", "cost", "how much", "subscribe", "sign up"}},
	{"support", []string{"help", "issue", "problem", "not working", "broken", "fix", "trouble", "error", "stuck"}},
	{"inquiry", []string{"what is", "how do", "where can", "when will", "tell me about", "information", "question", "wondering"}},
	{"feedback", []string{"suggestion", "feedback", "improve", "recommend", "better if", "would be nice"}},
}

// ClassifyIntent is the deterministic fallback when the analysis collaborator
// fails or returns garbage: a keyword scan over the concatenated transcript.
func ClassifyIntent(transcript []Entry) string {
	var b strings.Builder
	for _, e := range transcript {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.Content)
	}
	text := strings.ToLower(b.String())

	for _, p := range intentPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(text, kw) {
				return p.intent
			}
		}
	}
	if len(text) > 20 {
		return "inquiry"
	}
	return "unknown"
}
