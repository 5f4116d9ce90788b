// Package gemini generates article drafts with Google Gemini.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Config controls the Gemini client.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
	// MaxSourceChars caps how much fetched text goes into the prompt.
	MaxSourceChars int
}

// completer is the slice of genai the generator needs.
type completer interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Generator implements publishing.ContentGenerator.
type Generator struct {
	cfg    Config
	client *genai.Client
	model  completer
	logger *zap.Logger
}

// New dials Gemini and configures a JSON-producing model.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	model.ResponseMIMEType = "application/json"

	g := newWithModel(cfg, model, logger)
	g.client = client
	return g, nil
}

func newWithModel(cfg Config, model completer, logger *zap.Logger) *Generator {
	if cfg.MaxSourceChars == 0 {
		cfg.MaxSourceChars = 12000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, model: model, logger: logger}
}

// Close releases the underlying client.
func (g *Generator) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close gemini client: %w", err)
	}
	return nil
}

// Generate asks the model for a sectioned article about detail.
func (g *Generator) Generate(
	ctx context.Context,
	contentType string,
	detail publishing.DetailedContent,
	research publishing.ResearchBundle,
) (publishing.Draft, error) {
	prompt := buildPrompt(contentType, detail, research, g.cfg.MaxSourceChars)
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return publishing.Draft{}, classify(err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return publishing.Draft{}, &publishing.GenerationError{Reason: "prompt blocked: " + resp.PromptFeedback.BlockReason.String()}
	}
	text, err := extractText(resp)
	if err != nil {
		return publishing.Draft{}, err
	}
	draft, err := parseDraft(text)
	if err != nil {
		return publishing.Draft{}, err
	}
	if draft.SourceURL == "" {
		draft.SourceURL = detail.URL
	}
	g.logger.Debug("draft generated",
		zap.String("content_type", contentType),
		zap.String("reference", detail.Reference),
		zap.Int("sections", len(draft.Sections)),
	)
	return draft, nil
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return publishing.Transient("gemini generate", err)
	}
	return fmt.Errorf("gemini generate: %w", err)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &publishing.GenerationError{Reason: "no candidates in response"}
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonRecitation {
		return "", &publishing.GenerationError{Reason: "finished with " + candidate.FinishReason.String()}
	}
	if candidate.Content == nil {
		return "", &publishing.GenerationError{Reason: "no content in response"}
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", &publishing.GenerationError{Reason: "no text parts in response"}
	}
	return strings.Join(parts, ""), nil
}

type draftPayload struct {
	Title    string `json:"title"`
	Excerpt  string `json:"excerpt"`
	Decline  string `json:"decline"`
	Sections []struct {
		Name string `json:"name"`
		HTML string `json:"html"`
	} `json:"sections"`
	Tags []string `json:"tags"`
}

// parseDraft decodes the model's JSON answer. A "decline" field or a draft
// without a title or sections is reported as a GenerationError.
func parseDraft(text string) (publishing.Draft, error) {
	var payload draftPayload
	if err := json.Unmarshal([]byte(cleanJSONBlock(text)), &payload); err != nil {
		return publishing.Draft{}, &publishing.GenerationError{Reason: "malformed model output: " + err.Error()}
	}
	if payload.Decline != "" {
		return publishing.Draft{}, &publishing.GenerationError{Reason: payload.Decline}
	}
	draft := publishing.Draft{
		Title:   strings.TrimSpace(payload.Title),
		Excerpt: strings.TrimSpace(payload.Excerpt),
		Tags:    payload.Tags,
	}
	var body strings.Builder
	for _, s := range payload.Sections {
		html := strings.TrimSpace(s.HTML)
		if html == "" {
			continue
		}
		draft.Sections = append(draft.Sections, publishing.Section{Name: strings.ToLower(strings.TrimSpace(s.Name)), HTML: html})
		body.WriteString(html)
		body.WriteString("\n")
	}
	draft.Body = strings.TrimSpace(body.String())
	if draft.Title == "" || draft.Body == "" {
		return publishing.Draft{}, &publishing.GenerationError{Reason: "model returned an empty draft"}
	}
	return draft, nil
}

func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func buildPrompt(contentType string, detail publishing.DetailedContent, research publishing.ResearchBundle, maxChars int) string {
	source := detail.Text
	if len(source) > maxChars {
		source = source[:maxChars]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s article in HTML based on the source material below.\n", contentType)
	b.WriteString("Answer with JSON only: {\"title\": string, \"excerpt\": string, ")
	b.WriteString("\"sections\": [{\"name\": string, \"html\": string}], \"tags\": [string]}.\n")
	b.WriteString("Use lowercase section names such as summary, analysis, outlook.\n")
	b.WriteString("If the source is insufficient, answer {\"decline\": \"<reason>\"} instead.\n\n")
	fmt.Fprintf(&b, "SOURCE TITLE: %s\nSOURCE URL: %s\n", detail.Title, detail.URL)
	for k, v := range detail.Fields {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(k), v)
	}
	fmt.Fprintf(&b, "SOURCE TEXT:\n%s\n", source)
	if research.Summary != "" || len(research.Sources) > 0 {
		fmt.Fprintf(&b, "\nRESEARCH (%s):\n%s\n", research.Topic, research.Summary)
		for _, s := range research.Sources {
			fmt.Fprintf(&b, "- %s (%s): %s\n", s.Title, s.URL, s.Snippet)
		}
	}
	return b.String()
}
