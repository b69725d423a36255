// Package schema validates the free-form JSON an external agent runner
// (internal/runners, internal/bridges) hands back before it is trusted
// into a cnp.Bid or cnp.TaskAnnouncement.Metadata — an opaque executor
// speaks JSON over a pipe, a container boundary, or a chat API, and
// nothing on that side is obliged to produce well-formed Go structs.
// Grounded on internal/engine/structured.go's StructuredValidator: same
// compile-once/validate-many shape, same use of jsonschema.UnmarshalJSON
// for json.Number-correct parsing, generalized from validating an LLM's
// free-text response to validating a CNP wire payload.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator wraps one compiled JSON Schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles schemaJSON (a JSON Schema document) under the given
// name, used only for error messages.
func Compile(name string, schemaJSON []byte) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("schema %s: unmarshal: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("schema %s: add resource: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}
	return &Validator{name: name, schema: compiled}, nil
}

// MustCompile is Compile but panics on error — used only for the
// package's own built-in schemas, whose JSON is a compile-time constant.
func MustCompile(name string, schemaJSON []byte) *Validator {
	v, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate parses raw as JSON (preserving number precision via
// jsonschema.UnmarshalJSON) and checks it against the compiled schema,
// returning the parsed value on success.
func (v *Validator) Validate(raw []byte) (any, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("schema %s: invalid JSON: %w", v.name, err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema %s: validation failed: %w", v.name, err)
	}
	return parsed, nil
}

// Registry holds named validators so runners/bridges can look one up by
// the wire contract they're speaking (e.g. "cnp.bid") without importing
// internal/cnp or internal/schema's built-in constants directly.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*Validator
}

// NewRegistry returns a Registry pre-populated with the orchestrator's
// built-in CNP wire schemas.
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[string]*Validator)}
	r.Register(AnnouncementMetadataSchema)
	r.Register(BidSchema)
	return r
}

// Register adds (or replaces) v under its own name.
func (r *Registry) Register(v *Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[v.name] = v
}

// Validate looks up name and validates raw against it.
func (r *Registry) Validate(name string, raw []byte) (any, error) {
	r.mu.RLock()
	v, ok := r.validators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema: no validator registered for %q", name)
	}
	return v.Validate(raw)
}

// Built-in schemas for the CNP wire contract (spec §4.3): the free-form
// Metadata an announcement carries, and the shape an external bidder's
// JSON bid must have before internal/runners/internal/bridges convert it
// into a cnp.Bid.
var (
	AnnouncementMetadataSchema = MustCompile("cnp.announcement.metadata", []byte(`{
		"type": "object",
		"additionalProperties": true
	}`))

	BidSchema = MustCompile("cnp.bid", []byte(`{
		"type": "object",
		"required": ["agent_id", "task_id", "estimated_cost_usd", "estimated_duration_ms", "confidence"],
		"properties": {
			"agent_id": {"type": "string", "minLength": 1},
			"task_id": {"type": "string", "minLength": 1},
			"estimated_cost_usd": {"type": "number", "minimum": 0},
			"estimated_duration_ms": {"type": "integer", "minimum": 0},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"capabilities": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`))
)
