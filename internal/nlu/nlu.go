// Package nlu defines the external model collaborator interfaces the engine
// consumes: semantic similarity scoring for matching, and parameter
// extraction for slot filling. The engine never builds prompts beyond these
// two call shapes; everything else about the model is the adapter's problem.
package nlu

import "context"

// SemanticScorer scores how well user input matches an action description.
type SemanticScorer interface {
	// Score returns a similarity in [0,1] between the user input and the
	// candidate text (action name + description + examples).
	Score(ctx context.Context, userInput, candidate string) (float64, error)
}

// ParameterExtractor pulls declared parameter values out of raw user input.
type ParameterExtractor interface {
	// Extract returns parameter name → value for every declared parameter
	// it can find in the input. Missing parameters are simply absent.
	Extract(ctx context.Context, userInput string, params []ParamSpec) (map[string]string, error)
}

// ParamSpec is the minimal parameter description an extractor needs.
type ParamSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	EnumValues  []string `json:"enum_values,omitempty"`
}
