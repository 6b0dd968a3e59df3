package translator

import (
	_ "github.com/sight-ai/edge-node/internal/translator/ollama/openai"
)
