package ai

import "context"

// GeminiStreamer adapts GeminiClient to TextStreamer. The Gemini REST call
// is not streamed; the full answer arrives as a single delta.
type GeminiStreamer struct {
	client *GeminiClient
	model  string
}

// NewGeminiStreamer builds a Gemini-based TextStreamer.
func NewGeminiStreamer(client *GeminiClient, model string) *GeminiStreamer {
	return &GeminiStreamer{client: client, model: model}
}

// StreamText implements TextStreamer using a single generateContent call.
func (g *GeminiStreamer) StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string) error) error {
	text, err := g.client.GenerateText(ctx, g.model, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	return onDelta(text)
}
