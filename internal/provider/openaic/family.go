package openaic

import "github.com/modelrelay/relay/internal/provider"

// Constructors for the known openai-compatible hosts. Model lists come
// from the catalog at startup so a new model needs no code change.

func OpenAI(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	}, nil)
}

// AzureOpenAI targets a deployments endpoint; the deployment name must
// match the model id in the catalog.
func AzureOpenAI(endpoint, apiKey string, models []string) *Adapter {
	return New(Config{
		ID:        "azure-openai",
		BaseURL:   endpoint,
		APIKey:    apiKey,
		Models:    models,
		KeyHeader: "api-key",
		URL: func(model string) string {
			return azureURL(endpoint, model)
		},
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	}, nil)
}

func Groq(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "groq",
		BaseURL: "https://api.groq.com/openai/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, JSONMode: true,
		},
		MaxContextTokens: 131072,
		MaxOutputTokens:  32768,
	}, nil)
}

func Fireworks(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "fireworks",
		BaseURL: "https://api.fireworks.ai/inference/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
		MaxContextTokens: 131072,
		MaxOutputTokens:  16384,
	}, nil)
}

func Cerebras(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "cerebras",
		BaseURL: "https://api.cerebras.ai/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, JSONMode: true,
		},
		MaxContextTokens: 65536,
		MaxOutputTokens:  8192,
	}, nil)
}

func XAI(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "xai",
		BaseURL: "https://api.x.ai/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, StructuredOutput: true, JSONMode: true,
		},
		MaxContextTokens: 131072,
		MaxOutputTokens:  16384,
	}, nil)
}

func Mistral(apiKey string, models []string) *Adapter {
	return New(Config{
		ID:      "mistral",
		BaseURL: "https://api.mistral.ai/v1",
		APIKey:  apiKey,
		Models:  models,
		Capabilities: provider.Capabilities{
			Streaming: true, ToolCalls: true, JSONMode: true,
		},
		MaxContextTokens: 131072,
		MaxOutputTokens:  8192,
	}, nil)
}
