package openai

import (
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
	"github.com/sight-ai/edge-node/internal/translator/translator"
)

func init() {
	translator.Register(
		constant.FormatOllama,
		constant.FormatOpenAI,
		translator.FlavorChat,
		interfaces.TranslateResponse{
			Stream:    ConvertOllamaResponseToOpenAIChat,
			NonStream: ConvertOllamaResponseToOpenAIChatNonStream,
		},
	)
	translator.Register(
		constant.FormatOllama,
		constant.FormatOpenAI,
		translator.FlavorCompletion,
		interfaces.TranslateResponse{
			Stream:    ConvertOllamaResponseToOpenAICompletions,
			NonStream: ConvertOllamaResponseToOpenAICompletionsNonStream,
		},
	)
}
