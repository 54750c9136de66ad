package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pivotagent/pivot/pkg/httpclient"
	"github.com/pivotagent/pivot/pkg/observability"
)

// OpenAIClient speaks the OpenAI chat-completions dialect. It also covers the
// many local and hosted servers that expose the same surface.
type OpenAIClient struct {
	config     Config
	httpClient *httpclient.Client
}

func NewOpenAIClient(config Config) *OpenAIClient {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		config: config,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (c *OpenAIClient) Model() string {
	return c.config.Model
}

type openAIRequest struct {
	Model         string                   `json:"model"`
	Messages      []Message                `json:"messages"`
	Temperature   *float64                 `json:"temperature,omitempty"`
	MaxTokens     int                      `json:"max_tokens,omitempty"`
	Tools         []map[string]interface{} `json:"tools,omitempty"`
	Stream        bool                     `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions     `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (c *OpenAIClient) endpoint() string {
	base := strings.TrimSuffix(c.config.Endpoint, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (c *OpenAIClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return req, nil
}

// Chat performs a single round trip.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	tracer := observability.GetTracer("llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(attribute.String(observability.AttrLLMModel, c.config.Model)))
	defer span.End()

	start := time.Now()
	response, err := c.chat(ctx, messages, opts)

	inputTokens, outputTokens := 0, 0
	if response != nil {
		inputTokens = response.Usage.PromptTokens
		outputTokens = response.Usage.CompletionTokens
		span.SetAttributes(
			attribute.Int(observability.AttrLLMTokensInput, inputTokens),
			attribute.Int(observability.AttrLLMTokensOutput, outputTokens),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, c.config.Model, time.Since(start), inputTokens, outputTokens, err)
	}

	return response, err
}

func (c *OpenAIClient) chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Tools:       opts.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: c.endpoint(), Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Endpoint:   c.endpoint(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}

	var response Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &Error{Endpoint: c.endpoint(), Message: fmt.Sprintf("malformed response: %v", err)}
	}
	if response.Usage.TotalTokens == 0 && (response.Usage.PromptTokens > 0 || response.Usage.CompletionTokens > 0) {
		response.Usage.TotalTokens = response.Usage.PromptTokens + response.Usage.CompletionTokens
	}
	return &response, nil
}

// ChatStream performs a streaming round trip. The returned channel is closed
// after the terminal chunk; a mid-stream failure arrives as a chunk with Err.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	body, err := json.Marshal(openAIRequest{
		Model:         c.config.Model,
		Messages:      messages,
		Temperature:   opts.Temperature,
		MaxTokens:     opts.MaxTokens,
		Tools:         opts.Tools,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: c.endpoint(), Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{
			Endpoint:   c.endpoint(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		var completion strings.Builder
		var usage *Usage
		finishReason := ""

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					chunks <- StreamChunk{Err: &Error{Endpoint: c.endpoint(), Message: err.Error()}}
					return
				}
				break
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				if choice.Delta.Content == "" && choice.Delta.ReasoningContent == "" {
					continue
				}
				completion.WriteString(choice.Delta.Content)
				select {
				case chunks <- StreamChunk{
					ContentDelta:   choice.Delta.Content,
					ReasoningDelta: choice.Delta.ReasoningContent,
				}:
				case <-ctx.Done():
					return
				}
			}
		}

		if usage == nil {
			estimated := EstimateUsage(c.config.Model, messages, completion.String())
			usage = &estimated
		}
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		select {
		case chunks <- StreamChunk{FinishReason: finishReason, Usage: usage}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}
