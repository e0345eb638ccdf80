// Package llm provides a pluggable interface for chat completion providers.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Message is one chat message sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. Providers that
// support JSON-constrained output enable it when WantJSON is set;
// callers must still validate the response body.
type Request struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
	WantJSON  bool
}

// Response is the text completion plus token accounting for run records.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Generator produces chat completions.
type Generator interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// --- Anthropic Provider ---

// AnthropicGenerator uses the Anthropic Messages API.
type AnthropicGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicGenerator creates a generator using the Anthropic API.
func NewAnthropicGenerator(baseURL, apiKey string) *AnthropicGenerator {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicGenerator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *AnthropicGenerator) Complete(ctx context.Context, r Request) (*Response, error) {
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}
	body, _ := json.Marshal(anthropicRequest{
		Model:     r.Model,
		MaxTokens: maxTokens,
		System:    r.System,
		Messages:  r.Messages,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic error %d: %s", resp.StatusCode, string(b))
	}

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	var text string
	for _, c := range result.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content returned")
	}
	return &Response{
		Content:      text,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
	}, nil
}

// --- OpenAI-compatible Provider ---

// OpenAIGenerator uses any OpenAI-compatible chat completions API,
// including local servers (Ollama, llama.cpp, vLLM).
type OpenAIGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type openaiChatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIGenerator creates a generator using an OpenAI-compatible API.
func NewOpenAIGenerator(baseURL, apiKey string) *OpenAIGenerator {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIGenerator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *OpenAIGenerator) Complete(ctx context.Context, r Request) (*Response, error) {
	messages := r.Messages
	if r.System != "" {
		messages = append([]Message{{Role: "system", Content: r.System}}, messages...)
	}
	chatReq := openaiChatRequest{
		Model:     r.Model,
		Messages:  messages,
		MaxTokens: r.MaxTokens,
	}
	if r.WantJSON {
		chatReq.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	body, _ := json.Marshal(chatReq)
	req, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai error %d: %s", resp.StatusCode, string(b))
	}

	var result openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}
	return &Response{
		Content:      result.Choices[0].Message.Content,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}, nil
}

// --- Factory ---

// NewFromEnv creates a generator from environment variables.
// SESSION_MEMORY_LLM_PROVIDER: "anthropic" | "openai" (default "anthropic")
// SESSION_MEMORY_LLM_URL: base URL override
// ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
func NewFromEnv() (Generator, error) {
	provider := os.Getenv("SESSION_MEMORY_LLM_PROVIDER")
	url := os.Getenv("SESSION_MEMORY_LLM_URL")

	switch provider {
	case "", "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropicGenerator(url, key), nil
	case "openai":
		return NewOpenAIGenerator(url, os.Getenv("OPENAI_API_KEY")), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
