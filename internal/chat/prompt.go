package chat

import (
	"fmt"
	"strings"

	"docchat/pkg/domain"
)

func buildSystemPrompt() string {
	return "You are a careful assistant answering questions about a single PDF document. " +
		"Answer only from the provided excerpts and cite them by their [n] labels. " +
		"If the excerpts do not contain the answer, say so plainly."
}

func buildUserPrompt(fileName, question, historyText, contextText string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Document: %s\n", fileName)
	if historyText != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(historyText)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	sb.WriteString("Excerpts:\n")
	sb.WriteString(contextText)
	return sb.String()
}

func buildContext(chunks []domain.Chunk) string {
	if len(chunks) == 0 {
		return "(no matching excerpts)\n"
	}
	var sb strings.Builder
	for i, chunk := range chunks {
		sb.WriteString(fmt.Sprintf("[%d]", i+1))
		if loc := chunkLocation(chunk.Metadata); loc != "" {
			sb.WriteString(" (" + loc + ")")
		}
		sb.WriteString(" ")
		sb.WriteString(chunk.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func buildHistory(messages []domain.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, msg := range messages {
		if msg.IsUserMessage {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(msg.Text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func chunkLocation(meta map[string]string) string {
	if meta == nil {
		return ""
	}
	if page := strings.TrimSpace(meta["page"]); page != "" {
		return "page " + page
	}
	return ""
}
