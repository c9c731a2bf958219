package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tocmemory/engine/pkg/types"
)

// OpenAIConfig configures an OpenAI-backed Summarizer.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAISummarizer implements Summarizer and RollupSummarizer by prompting
// a chat-completion model to extract a title, bullets, keywords and
// supporting excerpts ("grips") as JSON, then parsing the response —
// repairing minor JSON malformations the model occasionally emits.
type OpenAISummarizer struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var (
	_ Summarizer       = (*OpenAISummarizer)(nil)
	_ RollupSummarizer = (*OpenAISummarizer)(nil)
)

// NewOpenAISummarizer creates an OpenAI-backed summarizer. Also usable with
// any OpenAI-compatible provider via cfg.BaseURL.
func NewOpenAISummarizer(cfg OpenAIConfig) *OpenAISummarizer {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAISummarizer{client: &client, cfg: cfg}
}

// llmSummary is the JSON shape requested from the model.
type llmSummary struct {
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Bullets  []struct {
		Text    string `json:"text"`
		Excerpt string `json:"excerpt,omitempty"`
	} `json:"bullets"`
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, events []types.Event) (Summary, error) {
	if len(events) == 0 {
		return Summary{}, fmt.Errorf("summarizer: no events to summarize")
	}
	prompt := buildEventPrompt(events)
	raw, err := s.complete(ctx, prompt)
	if err != nil {
		return Summary{}, err
	}
	parsed, err := parseLLMSummary(raw)
	if err != nil {
		return Summary{}, err
	}
	return toSummary(parsed, events), nil
}

func (s *OpenAISummarizer) Rollup(ctx context.Context, children []types.TocNode) (Summary, error) {
	if len(children) == 0 {
		return Summary{}, fmt.Errorf("summarizer: no children to roll up")
	}
	prompt := buildRollupPrompt(children)
	raw, err := s.complete(ctx, prompt)
	if err != nil {
		return Summary{}, err
	}
	parsed, err := parseLLMSummary(raw)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Title: parsed.Title, Keywords: parsed.Keywords, Bullets: bulletsFrom(parsed)}, nil
}

func (s *OpenAISummarizer) complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: s.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You summarize conversation history into structured JSON. Respond with JSON only."),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(int64(s.cfg.MaxTokens)),
	}
	if s.cfg.Temperature > 0 {
		params.Temperature = openai.Float(s.cfg.Temperature)
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("summarizer: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarizer: empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

func parseLLMSummary(raw string) (llmSummary, error) {
	var out llmSummary
	content := extractJSONObject(raw)
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(content)
		if rerr != nil {
			return out, fmt.Errorf("summarizer: parse response: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return out, fmt.Errorf("summarizer: parse repaired response: %w", err)
		}
	}
	return out, nil
}

// extractJSONObject trims any leading/trailing prose or code fences a model
// sometimes wraps its JSON answer in.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func bulletsFrom(parsed llmSummary) []BulletInput {
	bullets := make([]BulletInput, 0, len(parsed.Bullets))
	for _, b := range parsed.Bullets {
		bullets = append(bullets, BulletInput{Text: b.Text})
	}
	return bullets
}

func toSummary(parsed llmSummary, events []types.Event) Summary {
	var bullets []BulletInput
	var grips []GripInput

	for _, b := range parsed.Bullets {
		bi := BulletInput{Text: b.Text}
		if b.Excerpt != "" {
			start, end := locateExcerpt(events, b.Excerpt)
			grips = append(grips, GripInput{
				Excerpt:      b.Excerpt,
				EventIDStart: start.EventID,
				EventIDEnd:   end.EventID,
				TimestampMs:  end.TimestampMs,
			})
			bi.GripIdxs = []int{len(grips) - 1}
		}
		bullets = append(bullets, bi)
	}

	return Summary{Title: parsed.Title, Bullets: bullets, Keywords: parsed.Keywords, Grips: grips}
}

// locateExcerpt returns the first event whose text contains the excerpt as
// both start and end, defaulting to the full event range if no single event
// matches. Excerpts spanning several events are not located.
func locateExcerpt(events []types.Event, excerpt string) (start, end types.Event) {
	for _, e := range events {
		if strings.Contains(e.Text, excerpt) {
			return e, e
		}
	}
	return events[0], events[len(events)-1]
}

func buildEventPrompt(events []types.Event) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation events into JSON with fields " +
		"title, keywords (array of strings), and bullets (array of {text, excerpt}), " +
		"where excerpt is a short verbatim quote supporting the bullet.\n\n")
	for _, e := range events {
		if e.Text == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s(%s): %s\n", e.EventID, e.Agent, e.Kind, e.Text)
	}
	return sb.String()
}

func buildRollupPrompt(children []types.TocNode) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following child summaries into a single parent JSON " +
		"with fields title, keywords (array of strings), and bullets (array of {text}).\n\n")
	for _, c := range children {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Title, strings.Join(bulletTexts(c.Bullets), "; "))
	}
	return sb.String()
}

func bulletTexts(bullets []types.Bullet) []string {
	out := make([]string, len(bullets))
	for i, b := range bullets {
		out[i] = b.Text
	}
	return out
}
