package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

// DefaultOllamaModel is a general purpose vision model
const DefaultOllamaModel = "llava"

// OllamaDialer creates models served by an Ollama instance.
// A non-empty credential is sent as a bearer token for proxied deployments.
type OllamaDialer struct {
	BaseURL string
	Client  *http.Client
}

// NewOllamaDialer creates an OllamaDialer
func NewOllamaDialer(baseURL string) *OllamaDialer {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaDialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 120 * time.Second, // vision models are slow
		},
	}
}

// Dial binds a model name and credential to the dialer's endpoint
func (d *OllamaDialer) Dial(_ context.Context, credential Credential, modelName string) (Model, error) {
	if modelName == "" {
		modelName = DefaultOllamaModel
	}
	return &Ollama{
		baseURL:    d.BaseURL,
		model:      modelName,
		credential: credential,
		client:     d.Client,
	}, nil
}

// Ollama implements Model using Ollama's chat API
type Ollama struct {
	baseURL    string
	model      string
	credential Credential
	client     *http.Client
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Ping asks for a few tokens
func (o *Ollama) Ping(ctx context.Context) error {
	_, err := o.chat(ctx, ollamaChatRequest{
		Model:    o.model,
		Messages: []ollamaMessage{{Role: "user", Content: "Reply with OK."}},
		Options:  &ollamaOptions{NumPredict: pingMaxTokens},
	})
	return err
}

// Generate converts the payload to PNG and sends it with the instruction
func (o *Ollama) Generate(ctx context.Context, req extraction.Request) (string, error) {
	pngData, err := extraction.ToPNG(req.Data, req.MediaType)
	if err != nil {
		return "", err
	}

	return o.chat(ctx, ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading invoices and delivery notes. You must carefully read all text in images and extract accurate information.",
			},
			{
				Role:    "user",
				Content: req.Instruction,
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
	})
}

func (o *Ollama) chat(ctx context.Context, body ollamaChatRequest) (string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.credential != NoCredential {
		req.Header.Set("Authorization", "Bearer "+string(o.credential))
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return strings.TrimSpace(chatResp.Message.Content), nil
}

// Close is a no-op; the HTTP client is shared by the dialer
func (o *Ollama) Close() error {
	return nil
}
