// Package llm implements the LLM Client: it turns a generation
// request into either a blocking string or a handle to a
// genbuf.Buffer fed by a background worker that parses an
// OpenAI-compatible server-sent-events stream.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	temperature        = 0.7
	maxTokens          = 2048
	folderExcerptLimit = 200

	systemPrompt = "You are a file content generator. Respond with only the " +
		"raw body of the requested file. Do not add commentary, explanation, " +
		"or markdown code fences around the output."
)

// ContextFile is a (path, excerpt) pair supplied as context for a
// generation request: either a same-folder sibling or a recently
// accessed file elsewhere in the tree.
type ContextFile struct {
	Path    string
	Excerpt string
}

// Request describes one generation: the path being materialized, the
// context gathered for it, and the model to use.
type Request struct {
	Path          string
	FolderContext []ContextFile
	RecentFiles   []ContextFile
	Model         string
}

// Config holds the parameters for constructing a Client.
type Config struct {
	// Endpoint is the full chat-completions URL to POST to.
	Endpoint string

	// AuthEnvVar names the environment variable holding the bearer
	// token. Defaults to "OPENAI_API_KEY". An empty value in the
	// environment means no Authorization header is sent.
	AuthEnvVar string

	// HTTPClient is used for every request. Defaults to a client with
	// a 2-minute timeout (matching the blocking call's worst-case
	// latency budget). The timeout bounds the blocking call only:
	// GenerateStream sends its request through a copy of this client
	// with no timeout, so a stream runs until the endpoint ends it.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client is the LLM Client described by the component design: it
// knows how to build the wire request and how to parse both a
// blocking JSON response and a streamed SSE response.
type Client struct {
	endpoint   string
	authEnvVar string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a Client from cfg.
func NewClient(cfg Config) *Client {
	authEnvVar := cfg.AuthEnvVar
	if authEnvVar == "" {
		authEnvVar = "OPENAI_API_KEY"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		authEnvVar: authEnvVar,
		httpClient: httpClient,
		logger:     logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// buildMessages renders the system and user messages per the prompt
// construction contract: the user message names the target path,
// lists folder-context excerpts (each capped at folderExcerptLimit
// bytes), lists recent-file excerpts, and ends with an
// instruction to emit the target file's body.
func buildMessages(req Request) []chatMessage {
	var user strings.Builder
	fmt.Fprintf(&user, "Target file: %s\n\n", req.Path)

	if len(req.FolderContext) > 0 {
		user.WriteString("Files in the same folder:\n")
		for _, f := range req.FolderContext {
			excerpt := f.Excerpt
			if len(excerpt) > folderExcerptLimit {
				excerpt = excerpt[:folderExcerptLimit]
			}
			fmt.Fprintf(&user, "--- %s ---\n%s\n\n", f.Path, excerpt)
		}
	}

	if len(req.RecentFiles) > 0 {
		user.WriteString("Recently accessed files:\n")
		for _, f := range req.RecentFiles {
			fmt.Fprintf(&user, "--- %s ---\n%s\n\n", f.Path, f.Excerpt)
		}
	}

	fmt.Fprintf(&user, "Emit the complete file body for %s now.", req.Path)

	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user.String()},
	}
}

// newHTTPRequest builds the POST request shared by Generate and
// GenerateStream, differing only in the Stream flag and the Accept
// header.
func (c *Client) newHTTPRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("llm: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if token := os.Getenv(c.authEnvVar); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

// Generate performs a blocking, non-streaming generation and returns
// the complete file body.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	httpReq, err := c.newHTTPRequest(ctx, req, false)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request for %s: %w", req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: reading response for %s: %w", req.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm: %s returned status %d: %s", req.Path, resp.StatusCode, string(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("llm: decoding response for %s: %w", req.Path, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: %s returned no choices", req.Path)
	}
	return parsed.Choices[0].Message.Content, nil
}
