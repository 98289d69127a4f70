// Package tools implements the deterministic clinical tools the relay
// executes in-process when the model requests a function call: the
// pediatric dosage calculator and the growth percentile analyzer. Tools
// are pure functions over their input; all I/O stays in the relay.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool is one callable function exposed to the upstream model. Metadata
// (name, description, parameter schema) is sent with every upstream
// request; Execute runs synchronously when the model asks for the call.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's argument object.
	Schema() *jsonschema.Schema

	// Execute parses the raw argument JSON and returns the result as a
	// JSON-serializable value. A nil error with an error-shaped result is
	// how tools report domain failures (unknown drug, out-of-range age):
	// the model should see those and recover conversationally. A non-nil
	// error means the call itself was malformed.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// funcTool adapts a typed handler into the Tool interface. Type erasure
// happens here so the registry can hold heterogeneous tools while each
// handler keeps a concrete input struct.
type funcTool[In any] struct {
	name        string
	description string
	schema      *jsonschema.Schema
	handler     func(context.Context, In) (any, error)
}

// New builds a Tool from a typed handler. The parameter schema is derived
// from the input struct's fields and jsonschema tags.
func New[In any](name, description string, handler func(context.Context, In) (any, error)) Tool {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		// Schemas come from our own static structs; failure here is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("tools: schema for %s: %v", name, err))
	}
	return &funcTool[In]{
		name:        name,
		description: description,
		schema:      schema,
		handler:     handler,
	}
}

func (t *funcTool[In]) Name() string               { return t.name }
func (t *funcTool[In]) Description() string        { return t.description }
func (t *funcTool[In]) Schema() *jsonschema.Schema { return t.schema }

func (t *funcTool[In]) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in In
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("parse %s arguments: %w", t.name, err)
		}
	}
	return t.handler(ctx, in)
}

// ErrorResult is the shape tools return for domain-level failures. It
// serializes to {"error": "..."} which the stream layer surfaces as the
// call's failure message.
type ErrorResult struct {
	Error string `json:"error"`
}
