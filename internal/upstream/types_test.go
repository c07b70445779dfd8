package upstream

import "testing"

func TestNormalizeResponseFullShape(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-abc",
		"created": 1700000000,
		"model": "llama3",
		"choices": [{"index": 0, "message": {"role":"assistant","content":"hi"}, "finish_reason":"stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
	}`)

	resp, err := NormalizeResponse(body, "local", "N1")
	if err != nil {
		t.Fatalf("NormalizeResponse: %v", err)
	}
	if resp.ID != "chatcmpl-abc" {
		t.Fatalf("expected id to pass through, got %q", resp.ID)
	}
	if resp.Provider != "local" || resp.NodeID == nil || *resp.NodeID != "N1" {
		t.Fatalf("expected provider/node_id annotations, got provider=%q node_id=%v", resp.Provider, resp.NodeID)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Fatalf("expected total_tokens 8, got %d", resp.Usage.TotalTokens)
	}
}

func TestNormalizeResponseSynthesizesMissingFields(t *testing.T) {
	body := []byte(`{"message": {"role":"assistant","content":"hello"}}`)

	resp, err := NormalizeResponse(body, "local", "N2")
	if err != nil {
		t.Fatalf("NormalizeResponse: %v", err)
	}
	if resp.ID == "" {
		t.Fatalf("expected a synthesized id")
	}
	if resp.Created == 0 {
		t.Fatalf("expected a synthesized created timestamp")
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected one synthesized choice from bare message field, got %d", len(resp.Choices))
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected synthesized finish_reason=stop, got %q", resp.Choices[0].FinishReason)
	}
}

func TestNormalizeResponseStripsCodeFences(t *testing.T) {
	body := []byte("```json\n{\"message\": {\"role\":\"assistant\",\"content\":\"hi\"}}\n```")

	resp, err := NormalizeResponse(body, "local", "N3")
	if err != nil {
		t.Fatalf("NormalizeResponse: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected fenced JSON to parse into one choice, got %d", len(resp.Choices))
	}
}

func TestChatRequestModel(t *testing.T) {
	r := ChatRequest{"model": "llama3"}
	if r.Model() != "llama3" {
		t.Fatalf("expected Model() to read the model field, got %q", r.Model())
	}
	if ChatRequest{}.Model() != "" {
		t.Fatalf("expected empty Model() for missing field")
	}
}
