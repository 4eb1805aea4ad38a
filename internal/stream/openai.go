package stream

import "encoding/json"

// Chunk is one provider event, normalized across adapters.
type Chunk struct {
	Content   string
	Reasoning string
	Usage     *Usage
	Done      bool
}

// ProviderAdapter decodes one raw SSE data payload into a normalized
// chunk. Adapters are stateless; the Aggregator owns all stream state.
type ProviderAdapter interface {
	ParseChunk(data []byte) (Chunk, error)
}

// OpenAIAdapter decodes the OpenAI-compatible chat-completion chunk
// format, which every supported upstream speaks.
type OpenAIAdapter struct{}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (OpenAIAdapter) ParseChunk(data []byte) (Chunk, error) {
	if string(data) == "[DONE]" {
		return Chunk{Done: true}, nil
	}

	var raw openAIChunk
	if err := json.Unmarshal(data, &raw); err != nil {
		return Chunk{}, err
	}

	var chunk Chunk
	if len(raw.Choices) > 0 {
		chunk.Content = raw.Choices[0].Delta.Content
		chunk.Reasoning = raw.Choices[0].Delta.ReasoningContent
	}
	if raw.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
		}
	}
	return chunk, nil
}
