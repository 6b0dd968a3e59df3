package interfaces

// TranslateStreamFunc converts one upstream stream frame into zero or more
// downstream chunks. param carries converter state across the frames of one
// response; the first call initializes it.
type TranslateStreamFunc func(modelName string, rawJSON []byte, param *any) []string

// TranslateNonStreamFunc converts a complete upstream response body into the
// downstream wire format.
type TranslateNonStreamFunc func(modelName string, rawJSON []byte) string

// TranslateResponse bundles the stream and non-stream converters for one
// source and target format pair.
type TranslateResponse struct {
	Stream    TranslateStreamFunc
	NonStream TranslateNonStreamFunc
}
