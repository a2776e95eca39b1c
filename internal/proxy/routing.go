package proxy

import (
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// serviceToProviderName maps a keypool service name (as returned by
// keypool.InferService) to the provider map key used by internal/app's
// buildProviders. The two vocabularies drifted apart because the pool
// groups Vertex/Bedrock Claude access under their cloud service names
// ("gcp", "aws") while the provider map keys them by SDK ("vertexai",
// "bedrock"); everything else lines up 1:1.
var serviceToProviderName = map[string]string{
	"gcp":        "vertexai",
	"aws":        "bedrock",
	"google-ai":  "gemini",
	"mistral-ai": "mistral",
}

func providerNameForService(service string) string {
	if name, ok := serviceToProviderName[service]; ok {
		return name
	}
	return service
}

// resolveProvider returns the provider name for the given chat/completion model.
// Falls back to the credential pool's model→service inference table before
// defaulting to "openai", so a model with no static alias but a matching
// keypool service (e.g. a new "claude-*" release) still reaches the right
// transform adapter instead of always landing on OpenAI.
func resolveProvider(model string) string {
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	if service, err := keypool.InferService(model); err == nil {
		return providerNameForService(service)
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// It checks EmbeddingModelAliases first, then ModelAliases for provider detection,
// then falls back to the same pool inference table as resolveProvider, and
// finally to "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	if service, err := keypool.InferService(model); err == nil {
		return providerNameForService(service)
	}
	return "openai"
}
