package providers

import (
	"net/http"

	"github.com/c360studio/scopecraft/llm"
	"github.com/c360studio/scopecraft/model"
)

// OpenRouterProvider speaks the OpenAI format to openrouter.ai and adds the
// attribution headers OpenRouter uses for app rankings.
type OpenRouterProvider struct {
	OpenAIProvider
}

func init() {
	llm.RegisterProvider(&OpenRouterProvider{})
}

// Name returns the provider identifier.
func (o *OpenRouterProvider) Name() string {
	return "openrouter"
}

// BuildURL constructs the OpenRouter endpoint.
func (o *OpenRouterProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://openrouter.ai/api/v1")
}

// SetHeaders adds authentication plus HTTP-Referer and X-Title.
func (o *OpenRouterProvider) SetHeaders(req *http.Request, ep *model.EndpointConfig) {
	o.OpenAIProvider.SetHeaders(req, ep)
	if ep == nil {
		return
	}
	if ep.Referer != "" {
		req.Header.Set("HTTP-Referer", ep.Referer)
	}
	if ep.Title != "" {
		req.Header.Set("X-Title", ep.Title)
	}
}
