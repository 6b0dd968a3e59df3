package interfaces

// ModelInfo is one entry of a backend model inventory, normalized across the
// native and OpenAI-compatible list shapes. Fields absent from a backend's
// response stay zero-valued.
type ModelInfo struct {
	Name       string        `json:"name"`
	Size       int64         `json:"size,omitempty"`
	Family     string        `json:"family,omitempty"`
	Parameters string        `json:"parameters,omitempty"`
	ModifiedAt string        `json:"modified_at,omitempty"`
	Digest     string        `json:"digest,omitempty"`
	Details    *ModelDetails `json:"details,omitempty"`
}

// ModelDetails mirrors the native inventory detail block.
type ModelDetails struct {
	Format            string   `json:"format,omitempty"`
	Family            string   `json:"family,omitempty"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size,omitempty"`
	QuantizationLevel string   `json:"quantization_level,omitempty"`
}
