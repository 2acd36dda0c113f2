package llm

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context is a single completion request.
type Context struct {
	System   string
	Messages []Message
	// JSON asks the provider to constrain output to a JSON object when it can.
	JSON bool
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}

// UserPrompt builds a request with one user message.
func UserPrompt(system, text string, jsonOut bool) Context {
	return Context{
		System:   system,
		Messages: []Message{{Role: "user", Content: text}},
		JSON:     jsonOut,
	}
}
