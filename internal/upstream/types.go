package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is the already-defaulted, already-authorized chat request body,
// kept as a map so unrecognized OpenAI-compatible fields pass through to
// node targets untouched instead of being silently dropped by a fixed struct.
type ChatRequest map[string]any

// Model returns the request's model field, or "" if absent/non-string.
func (r ChatRequest) Model() string {
	m, _ := r["model"].(string)
	return m
}

// MarshalForNode re-serializes the request for the raw node-dispatch path.
func (r ChatRequest) MarshalForNode() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

// Choice is one entry of a chat response's choices array.
type Choice struct {
	Index        int            `json:"index"`
	Message      map[string]any `json:"message"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// Usage reports forwarded token accounting; spec.md §1 scopes the gateway to
// forwarding whatever the upstream reports, not computing its own tallies.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-compatible response shape, annotated with the
// non-standard provider/node_id fields the core populates for observability
// (spec.md §3).
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	Provider string  `json:"provider"`
	NodeID   *string `json:"node_id"`
}

// toOpenAIRequest translates a ChatRequest map into go-openai's typed
// request, round-tripping through JSON so every spec-defined field
// (including ones ApplyDefaults just filled in) lands in the right place.
func toOpenAIRequest(r ChatRequest) (openai.ChatCompletionRequest, error) {
	var req openai.ChatCompletionRequest
	raw, err := json.Marshal(map[string]any(r))
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	return req, nil
}

// fromOpenAIResponse adapts a typed go-openai response into the gateway's
// wire shape, injecting provider/node_id.
func fromOpenAIResponse(resp openai.ChatCompletionResponse, provider string, nodeID string) *ChatResponse {
	out := &ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider: provider,
	}
	if nodeID != "" {
		out.NodeID = &nodeID
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Index: c.Index,
			Message: map[string]any{
				"role":    c.Message.Role,
				"content": c.Message.Content,
			},
			FinishReason: string(c.FinishReason),
		})
	}
	return out
}

// NormalizeResponse tolerantly parses a node's raw chat-completion body into
// the gateway's wire shape, synthesizing any fields a minimal Ollama-style
// upstream omits (id, created, object) and injecting provider/node_id,
// mirroring the teacher's tolerant-normalization approach for upstream
// responses that don't fully match the OpenAI shape.
func NormalizeResponse(body []byte, provider string, nodeID string) (*ChatResponse, error) {
	trimmed := strings.TrimSpace(string(body))
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}

	out := &ChatResponse{Provider: provider}
	if nodeID != "" {
		out.NodeID = &nodeID
	}

	if id, ok := raw["id"].(string); ok && id != "" {
		out.ID = id
	} else {
		out.ID = fmt.Sprintf("chatcmpl-%d", time.Now().Unix())
	}
	out.Object = "chat.completion"
	if created, ok := raw["created"].(float64); ok {
		out.Created = int64(created)
	} else {
		out.Created = time.Now().Unix()
	}
	if model, ok := raw["model"].(string); ok {
		out.Model = model
	}

	if choices, ok := raw["choices"].([]any); ok {
		for i, c := range choices {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			choice := Choice{Index: i}
			if msg, ok := cm["message"].(map[string]any); ok {
				choice.Message = msg
			}
			if fr, ok := cm["finish_reason"].(string); ok {
				choice.FinishReason = fr
			} else {
				choice.FinishReason = "stop"
			}
			out.Choices = append(out.Choices, choice)
		}
	}
	if len(out.Choices) == 0 {
		if msg, ok := raw["message"].(map[string]any); ok {
			out.Choices = append(out.Choices, Choice{Index: 0, Message: msg, FinishReason: "stop"})
		}
	}

	if usage, ok := raw["usage"].(map[string]any); ok {
		out.Usage = Usage{
			PromptTokens:     toInt(usage["prompt_tokens"]),
			CompletionTokens: toInt(usage["completion_tokens"]),
			TotalTokens:      toInt(usage["total_tokens"]),
		}
	}

	return out, nil
}

func toInt(v any) int {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}
