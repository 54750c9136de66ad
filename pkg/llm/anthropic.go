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

const anthropicVersion = "2023-06-01"

// Anthropic caps output; a default is mandatory because max_tokens is a
// required request field.
const anthropicDefaultMaxTokens = 4096

// AnthropicClient speaks the Anthropic messages dialect and adapts it to the
// common Response shape.
type AnthropicClient struct {
	config     Config
	httpClient *httpclient.Client
}

func NewAnthropicClient(config Config) *AnthropicClient {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicClient{
		config: config,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}
}

func (c *AnthropicClient) Model() string {
	return c.config.Model
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

func (c *AnthropicClient) endpoint() string {
	base := strings.TrimSuffix(c.config.Endpoint, "/")
	if strings.HasSuffix(base, "/messages") {
		return base
	}
	return base + "/messages"
}

// buildRequest splits out the system message and converts OpenAI-shape tool
// schemas into {name, description, input_schema}.
func (c *AnthropicClient) buildRequest(messages []Message, opts Options, stream bool) anthropicRequest {
	request := anthropicRequest{
		Model:       c.config.Model,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: opts.Temperature,
		Stream:      stream,
	}
	if opts.MaxTokens > 0 {
		request.MaxTokens = opts.MaxTokens
	}

	for _, message := range messages {
		switch message.Role {
		case RoleSystem:
			if request.System != "" {
				request.System += "\n\n"
			}
			request.System += message.Content
		case RoleUser, RoleAssistant:
			request.Messages = append(request.Messages, anthropicMessage{
				Role:    message.Role,
				Content: message.Content,
			})
		case RoleTool:
			// Tool turns never occur in this runtime's two-message contract;
			// fold any stray ones into a user turn so the request stays valid.
			request.Messages = append(request.Messages, anthropicMessage{
				Role:    RoleUser,
				Content: message.Content,
			})
		}
	}

	for _, tool := range opts.Tools {
		function, ok := tool["function"].(map[string]interface{})
		if !ok {
			continue
		}
		converted := anthropicTool{}
		if name, ok := function["name"].(string); ok {
			converted.Name = name
		}
		if description, ok := function["description"].(string); ok {
			converted.Description = description
		}
		if parameters, ok := function["parameters"].(map[string]interface{}); ok {
			converted.InputSchema = parameters
		}
		request.Tools = append(request.Tools, converted)
	}

	return request
}

func (c *AnthropicClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return req, nil
}

func (c *AnthropicClient) adaptResponse(raw *anthropicResponse) *Response {
	message := Message{Role: RoleAssistant}
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			message.Content += block.Text
		case "thinking":
			message.ReasoningContent += block.Text
		case "tool_use":
			message.ToolCalls = append(message.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	finishReason := ""
	switch raw.StopReason {
	case "end_turn", "stop_sequence":
		finishReason = "stop"
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	return &Response{
		ID:      raw.ID,
		Model:   raw.Model,
		Created: time.Now().Unix(),
		Choices: []Choice{{Message: message, FinishReason: finishReason}},
		Usage: Usage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
			TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}
}

// Chat performs a single round trip.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
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

func (c *AnthropicClient) chat(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(messages, opts, false))
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

	var raw anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &Error{Endpoint: c.endpoint(), Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return c.adaptResponse(&raw), nil
}

// ChatStream performs a streaming round trip, adapting Anthropic stream
// events into content deltas.
func (c *AnthropicClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	body, err := json.Marshal(c.buildRequest(messages, opts, true))
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

		usage := Usage{}
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

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					usage.PromptTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				chunk := StreamChunk{}
				switch event.Delta.Type {
				case "text_delta":
					chunk.ContentDelta = event.Delta.Text
				case "thinking_delta":
					chunk.ReasoningDelta = event.Delta.Text
				default:
					continue
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					switch event.Delta.StopReason {
					case "end_turn", "stop_sequence":
						finishReason = "stop"
					case "max_tokens":
						finishReason = "length"
					case "tool_use":
						finishReason = "tool_calls"
					}
				}
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				// Terminal chunk sent below.
			}
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		select {
		case chunks <- StreamChunk{FinishReason: finishReason, Usage: &usage}:
		case <-ctx.Done():
		}
	}()

	return chunks, nil
}
