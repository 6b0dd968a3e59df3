// Package translator keeps the registry of response-format converters.
// Converter packages register themselves at init; lookups that find no
// registered pair pass the payload through untouched.
package translator

import (
	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/interfaces"
)

// Flavors distinguish the chat and text-completion response shapes, which
// share wire formats but not field layouts.
const (
	FlavorChat       = "chat"
	FlavorCompletion = "completion"
)

type pairKey struct {
	from   string
	to     string
	flavor string
}

var responses map[pairKey]interfaces.TranslateResponse

func init() {
	responses = make(map[pairKey]interfaces.TranslateResponse)
}

// Register installs the converters for one format pair and flavor.
func Register(from, to, flavor string, response interfaces.TranslateResponse) {
	log.Debugf("registering %s translator from %s to %s", flavor, from, to)
	responses[pairKey{from: from, to: to, flavor: flavor}] = response
}

// NeedConvert reports whether a converter exists for the pair. Identical
// formats never need conversion.
func NeedConvert(from, to, flavor string) bool {
	if from == to {
		return false
	}
	_, ok := responses[pairKey{from: from, to: to, flavor: flavor}]
	return ok
}

// TranslateStream converts one stream frame, passing it through when no
// converter is registered.
func TranslateStream(from, to, flavor, modelName string, rawJSON []byte, param *any) []string {
	if response, ok := responses[pairKey{from: from, to: to, flavor: flavor}]; ok && response.Stream != nil {
		return response.Stream(modelName, rawJSON, param)
	}
	return []string{string(rawJSON)}
}

// TranslateNonStream converts a complete response body, passing it through
// when no converter is registered.
func TranslateNonStream(from, to, flavor, modelName string, rawJSON []byte) string {
	if response, ok := responses[pairKey{from: from, to: to, flavor: flavor}]; ok && response.NonStream != nil {
		return response.NonStream(modelName, rawJSON)
	}
	return string(rawJSON)
}
