package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiCollaborator implements Collaborator over the Gemini API in JSON
// mode. One client is shared process-wide.
type GeminiCollaborator struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGeminiCollaborator(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiCollaborator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("analytics api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("analysis model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create analytics client: %w", err)
	}
	return &GeminiCollaborator{client: client, model: model, logger: logger}, nil
}

func (g *GeminiCollaborator) Sentiment(ctx context.Context, utterance string, recent []Entry) (SentimentResult, error) {
	prompt := fmt.Sprintf(`You score customer frustration on a support call.
Latest customer utterance: %q
Recent conversation:
%s
Return JSON: {"score": 0-100, "sentiment": "calm|neutral|confused|frustrated|angry", "reason": "...", "shouldEscalate": bool}`,
		utterance, renderEntries(recent))

	var out SentimentResult
	if err := g.generateJSON(ctx, prompt, &out); err != nil {
		return SentimentResult{}, err
	}
	if out.Score < 0 {
		out.Score = 0
	}
	if out.Score > 100 {
		out.Score = 100
	}
	return out, nil
}

func (g *GeminiCollaborator) Analyze(ctx context.Context, transcript []Entry) (AnalysisResult, error) {
	prompt := fmt.Sprintf(`You analyze a customer-support call transcript.
Transcript:
%s
Return JSON: {"intent": "complaint|cancellation|purchase|support|inquiry|feedback|unknown", "sentiment": "...", "sentimentScore": 0-100, "escalationRisk": "low|medium|high", "keyIssues": ["..."]}`,
		renderEntries(transcript))

	var out AnalysisResult
	if err := g.generateJSON(ctx, prompt, &out); err != nil {
		return AnalysisResult{}, err
	}
	if strings.TrimSpace(out.Intent) == "" {
		return AnalysisResult{}, fmt.Errorf("analysis response missing intent")
	}
	return out, nil
}

func (g *GeminiCollaborator) SupervisorCoaching(ctx context.Context, utterance string, recent []Entry) (CoachingResult, error) {
	prompt := fmt.Sprintf(`You coach a human support supervisor observing a live AI call.
The customer just said: %q
Recent conversation:
%s
Return JSON: {"coachingTip": "...", "suggestedResponses": ["...","..."], "tone": "...", "priority": "low|medium|high"}`,
		utterance, renderEntries(recent))

	var out CoachingResult
	if err := g.generateJSON(ctx, prompt, &out); err != nil {
		return CoachingResult{}, err
	}
	if strings.TrimSpace(out.CoachingTip) == "" {
		return CoachingResult{}, fmt.Errorf("coaching response missing tip")
	}
	return out, nil
}

func (g *GeminiCollaborator) Summarize(ctx context.Context, transcript []Entry) (SummaryResult, error) {
	prompt := fmt.Sprintf(`You write the post-call summary for a customer-support call.
Transcript:
%s
Return JSON: {"sentiment": "...", "intent": "...", "resolutionStatus": "resolved|unresolved|escalated|abandoned", "keyTopics": ["..."], "actionItems": ["..."], "frustrationTrend": "improving|stable|worsening", "fullText": "2-4 sentence summary", "insights": "one actionable insight"}`,
		renderEntries(transcript))

	var out SummaryResult
	if err := g.generateJSON(ctx, prompt, &out); err != nil {
		return SummaryResult{}, err
	}
	return out, nil
}

func (g *GeminiCollaborator) generateJSON(ctx context.Context, prompt string, out any) error {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(resp.Text())
	text = stripCodeFence(text)
	if text == "" {
		return fmt.Errorf("empty analytics response")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("unparseable analytics response: %w", err)
	}
	return nil
}

// stripCodeFence tolerates models that wrap JSON in markdown fences despite
// the JSON response mime type.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func renderEntries(entries []Entry) string {
	if len(entries) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Content)
		b.WriteByte('\n')
	}
	return b.String()
}
