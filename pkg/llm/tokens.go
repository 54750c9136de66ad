package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// Per-message overhead of the chat format, matching the OpenAI cookbook
// accounting for gpt-3.5/gpt-4 style models.
const tokensPerMessage = 4

// EstimateUsage approximates token usage with tiktoken for streams that end
// without a usage payload. The result is marked Estimated so downstream
// accounting can tell it apart from provider-reported numbers.
func EstimateUsage(model string, messages []Message, completion string) Usage {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if encoding, err = tiktoken.GetEncoding("cl100k_base"); err != nil {
			// No encoder available; report zeros rather than guessing.
			return Usage{Estimated: true}
		}
	}

	prompt := 0
	for _, message := range messages {
		prompt += tokensPerMessage
		prompt += len(encoding.Encode(message.Role, nil, nil))
		prompt += len(encoding.Encode(message.Content, nil, nil))
	}

	completionTokens := len(encoding.Encode(completion, nil, nil))

	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
		Estimated:        true,
	}
}
