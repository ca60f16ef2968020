package providers

import "github.com/c360studio/scopecraft/llm"

// OllamaProvider targets a local OpenAI-compatible server (Ollama, vLLM,
// the bundled mock-llm). It differs from OpenAIProvider only in its default URL.
type OllamaProvider struct {
	OpenAIProvider
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "http://localhost:11434/v1")
}
