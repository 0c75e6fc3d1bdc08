package assistant

import (
	"fmt"
	"strings"

	"github.com/edunexus/edunexus/internal/format"
)

const schemaEchoLimit = 3000

var (
	clearCommands  = []string{"/clear", "/reset", "clear history", "reset chat"}
	schemaCommands = []string{"/schema", "show schema", "show database schema"}
)

func isCommand(message string, commands []string) bool {
	lowered := strings.ToLower(strings.TrimSpace(message))
	for _, command := range commands {
		if lowered == command {
			return true
		}
	}
	return false
}

func clearedPayload() format.Payload {
	return format.TextPayload("Chat history cleared! Ask me anything about the database.",
		"Show all students", "Database statistics", "List departments")
}

func schemaPayload(text string) format.Payload {
	return format.TextPayload("**Live Database Schema:**\n\n```\n"+format.Clip(text, schemaEchoLimit)+"\n```",
		"Show statistics", "List tables", "Count records")
}

func setupPayload() format.Payload {
	return format.TextPayload("**AI API key not configured.**\n\n" +
		"1. Get a key for the configured provider (Google AI Studio: https://aistudio.google.com/apikey)\n" +
		"2. Set EDUNEXUS_AI_API_KEY (or GEMINI_API_KEY) in the environment or .env file\n" +
		"3. Restart the server")
}

func rateLimitPayload() format.Payload {
	return format.TextPayload("**⏳ API Rate Limit Reached**\n\n"+
		"All available AI models have exceeded their free-tier quota. "+
		"This resets automatically, please try again later.\n\n"+
		"**What you can do:**\n"+
		"- Wait a few hours for the daily quota to reset\n"+
		"- Create a key from a new Google Cloud project\n"+
		"- Upgrade to a paid Gemini API plan for higher limits",
		"Try again", "Show schema", "Show statistics")
}

func transportPayload(err error) format.Payload {
	return format.TextPayload(fmt.Sprintf("Error communicating with AI: %v", err))
}

func unexpectedPayload(err error) format.Payload {
	payload := format.TextPayload(fmt.Sprintf("An unexpected error occurred: %v", err),
		"Try a simpler question", "Show all students")
	payload.AI = &format.AIMeta{Error: err.Error()}
	return payload
}

func executionFailedPayload(code, explanation, failure, model string) format.Payload {
	payload := format.TextPayload(
		"I couldn't execute that query. Error: "+failure+"\n\n"+
			"**Generated code:**\n`"+code+"`\n\n"+
			"**AI explanation:** "+explanation+"\n\n"+
			"Please try rephrasing your question.",
		"Show all students", "Count by department", "List subjects")
	query := code
	payload.AI = &format.AIMeta{Query: &query, Model: model, Error: failure}
	return payload
}
