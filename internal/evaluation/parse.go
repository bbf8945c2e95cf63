package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSONObject is returned when the evaluator text contains no JSON object
var ErrNoJSONObject = errors.New("no JSON object in evaluator output")

// Models like to wrap the object in prose or code fences
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

const resultSchemaURL = "mem://evaluation/result.json"

const resultSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["sentiment", "interest_level"],
  "properties": {
    "sentiment": {"type": "string", "enum": ["positive", "neutral", "negative"]},
    "interest_level": {"type": "number", "minimum": 0, "maximum": 10},
    "outcome": {"type": "string"},
    "summary": {"type": "string"},
    "recommendation": {"type": "string"}
  }
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resultSchemaURL, strings.NewReader(resultSchema)); err != nil {
		panic(fmt.Sprintf("add evaluation schema: %v", err))
	}
	s, err := compiler.Compile(resultSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("compile evaluation schema: %v", err))
	}
	return s
}

// result is the wire shape the prompt asks the model for
type result struct {
	Sentiment      string  `json:"sentiment"`
	InterestLevel  float64 `json:"interest_level"`
	Outcome        string  `json:"outcome"`
	Summary        string  `json:"summary"`
	Recommendation string  `json:"recommendation"`
}

// Parse extracts the structured evaluation from raw model text
func Parse(raw string) (*types.Evaluation, error) {
	match := jsonObjectPattern.FindString(raw)
	if match == "" {
		return nil, ErrNoJSONObject
	}

	var payload any
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation: %w", err)
	}
	if obj, ok := payload.(map[string]any); ok {
		if s, ok := obj["sentiment"].(string); ok {
			obj["sentiment"] = strings.ToLower(strings.TrimSpace(s))
		}
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid evaluation: %w", err)
	}

	var r result
	if err := json.Unmarshal([]byte(match), &r); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation: %w", err)
	}
	return &types.Evaluation{
		Sentiment:      strings.ToLower(strings.TrimSpace(r.Sentiment)),
		InterestLevel:  r.InterestLevel,
		Outcome:        r.Outcome,
		Summary:        r.Summary,
		Recommendation: r.Recommendation,
	}, nil
}
