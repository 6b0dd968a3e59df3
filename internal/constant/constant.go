// Package constant defines backend and wire-format identifiers used throughout
// the edge inference node. These constants identify the two supported local
// inference backends and their API dialects, ensuring consistent naming across
// the application.
package constant

const (
	// Ollama represents the native backend identifier.
	Ollama = "ollama"

	// VLLM represents the OpenAI-compatible backend identifier.
	VLLM = "vllm"

	// ClientNative is the config-store client type selecting the native backend.
	ClientNative = "native"

	// ClientOpenAICompat is the config-store client type selecting the OpenAI-compatible backend.
	ClientOpenAICompat = "openai_compat"

	// FormatOllama identifies the native NDJSON wire dialect.
	FormatOllama = "ollama"

	// FormatOpenAI identifies the OpenAI SSE wire dialect.
	FormatOpenAI = "openai"
)

const (
	// DefaultOllamaURL is the native backend base URL used when no override is configured.
	DefaultOllamaURL = "http://127.0.0.1:11434"

	// DefaultVLLMURL is the OpenAI-compatible backend base URL used when no override is configured.
	DefaultVLLMURL = "http://localhost:8000"

	// DefaultPort is the host HTTP port the node listens on.
	DefaultPort = 8716

	// DefaultNativeModel is the fallback model name when the native backend reports no models.
	DefaultNativeModel = "llama3.2:latest"
)

// ClientTypeForBackend maps a backend identifier to its config-store client type.
func ClientTypeForBackend(backend string) string {
	if backend == VLLM {
		return ClientOpenAICompat
	}
	return ClientNative
}

// BackendForClientType maps a config-store client type to its backend identifier.
func BackendForClientType(clientType string) string {
	if clientType == ClientOpenAICompat {
		return VLLM
	}
	return Ollama
}
