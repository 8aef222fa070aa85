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

	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/logging"
)

const httpClientTimeout = 10 * time.Minute

// maxContinuations bounds the automatic "keep going" rounds issued when
// the provider stops on its output-length limit.
const maxContinuations = 5

var defaultHTTPClient = &http.Client{Timeout: httpClientTimeout}

// Client streams chat completions from an OpenAI-compatible endpoint and
// publishes every delta on the request's event topics. It is the
// production Invoker.
type Client struct {
	HTTPClient *http.Client
	Log        *logging.Logger

	bus *events.Bus
}

func NewClient(bus *events.Bus, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{bus: bus, HTTPClient: defaultHTTPClient, Log: log.Component("llm")}
}

// Wire structures for the chat completions protocol. Tool choice and
// sampling knobs are deliberately left to server defaults.
type wireChatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type wireChatChunk struct {
	Choices []struct {
		Delta        *wireMessage `json:"delta,omitempty"`
		FinishReason string       `json:"finish_reason"`
	} `json:"choices"`
	Error *wireAPIError `json:"error,omitempty"`
}

type wireAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Invoke runs one generation, publishing deltas as they arrive and the
// finish event when the stream completes. Errors are returned, not
// published; the caller owns the error topic.
func (c *Client) Invoke(ctx context.Context, req Request) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("no messages provided")
	}
	c.bus.Publish(StatusTopic(req.EventID), "Waiting for "+req.Provider.Name+"...")

	messages := buildWireMessages(req.Messages)
	tools, err := buildWireTools(req.Tools)
	if err != nil {
		return err
	}

	for round := 0; ; round++ {
		acc, err := c.streamRound(ctx, req, messages, tools)
		if err != nil {
			return err
		}
		if acc.finishReason != "length" || round >= maxContinuations {
			break
		}
		// The model hit its output cap mid-answer. Feed back what it
		// said so far and let it continue on the same event topics.
		c.Log.Debug().Str("event", req.EventID).Int("round", round+1).Msg("continuing length-truncated response")
		messages = append(messages,
			wireMessage{Role: "assistant", Content: acc.content.String()},
			wireMessage{Role: "user", Content: "Continue exactly where you left off."},
		)
	}

	c.bus.Publish(FinishTopic(req.EventID), nil)
	return nil
}

type roundResult struct {
	content      strings.Builder
	finishReason string
}

func (c *Client) streamRound(ctx context.Context, req Request, messages []wireMessage, tools []wireTool) (*roundResult, error) {
	chatReq := wireChatRequest{
		Model:    req.Provider.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.EnableTools {
		chatReq.Tools = tools
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(req.Provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Provider.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", req.Provider.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s API error (status %d): %s", req.Provider.Name, resp.StatusCode, string(b))
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	result := &roundResult{finishReason: "stop"}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk wireChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("%s API error: %s", req.Provider.Name, chunk.Error.Message)
		}

		// Subscribers get the raw chunk; the delta decoder on the other
		// side understands the chat completions shape.
		c.bus.Publish(DeltaTopic(req.EventID), data)

		for _, choice := range chunk.Choices {
			if choice.Delta != nil && choice.Delta.Content != "" {
				result.content.WriteString(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				result.finishReason = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s streaming error: %w", req.Provider.Name, err)
	}
	return result, nil
}

func buildWireMessages(messages []BackendMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for i, tc := range m.ToolCalls {
			wtc := wireToolCall{Index: i, ID: tc.ID, Type: tc.Type}
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = tc.Function.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		if wm.Content == "" && len(wm.ToolCalls) == 0 && wm.ToolCallID == "" {
			continue
		}
		out = append(out, wm)
	}
	return out
}

func buildWireTools(specs []ToolSpec) ([]wireTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]wireTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}
