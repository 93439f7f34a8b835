package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// pingMaxTokens caps the output of a liveness ping
const pingMaxTokens = 5

// GeminiDialer creates Gemini models, each with its own client
type GeminiDialer struct {
	// Options are appended after the API key, e.g. option.WithEndpoint
	Options []option.ClientOption
}

// NewGeminiDialer creates a GeminiDialer
func NewGeminiDialer(opts ...option.ClientOption) *GeminiDialer {
	return &GeminiDialer{Options: opts}
}

// Dial creates a client configured with credential alone
func (d *GeminiDialer) Dial(ctx context.Context, credential Credential, modelName string) (Model, error) {
	if credential == NoCredential {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	opts := append([]option.ClientOption{option.WithAPIKey(string(credential))}, d.Options...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
		name:   modelName,
	}, nil
}

// Gemini implements Model using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// Ping asks for a few tokens from a separate model instance so the
// extraction model keeps its uncapped output limit
func (g *Gemini) Ping(ctx context.Context) error {
	ping := g.client.GenerativeModel(g.name)
	ping.SetMaxOutputTokens(pingMaxTokens)

	resp, err := ping.GenerateContent(ctx, genai.Text("Reply with OK."))
	if err != nil {
		return fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return fmt.Errorf("no response from gemini")
	}
	return nil
}

// Generate sends the instruction and document and returns the reply text
func (g *Gemini) Generate(ctx context.Context, req extraction.Request) (string, error) {
	parts := []genai.Part{
		genai.Blob{MIMEType: req.MediaType, Data: req.Data},
		genai.Text(req.Instruction),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	return responseText(resp)
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("gemini response has no text")
	}
	return text.String(), nil
}
