package ai

import "context"

// TextStreamer generates a response incrementally. onDelta is called once
// per text fragment, in order; returning an error from onDelta aborts the
// stream. A provider without native streaming may deliver a single delta.
type TextStreamer interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(delta string) error) error
}
