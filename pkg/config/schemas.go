package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

// SchemaValidator checks a raw, untyped document against the schema of its kind.
type SchemaValidator interface {
	Validate(ctx context.Context, kind DocumentKind, doc interface{}) error
}

// SchemaRegistry manages CUE schemas for document validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[DocumentKind]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in document schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[DocumentKind]cue.Value),
	}

	for kind, def := range map[DocumentKind]string{
		KindDeployment: "#Deployment",
		KindBasic:      "#Basic",
		KindComposite:  "#Composite",
	} {
		if err := sr.RegisterSchema(kind, builtinSchemas, def); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers the definition def under kind.
func (sr *SchemaRegistry) RegisterSchema(kind DocumentKind, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", kind, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema %s has no definition %s: %w", kind, def, err)
	}

	sr.schemas[kind] = schema
	return nil
}

// GetSchema retrieves the schema registered for kind.
func (sr *SchemaRegistry) GetSchema(kind DocumentKind) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[kind]
	return val, ok
}

// Validate unifies doc with the schema of kind and requires a concrete result.
func (sr *SchemaRegistry) Validate(ctx context.Context, kind DocumentKind, doc interface{}) error {
	schema, ok := sr.GetSchema(kind)
	if !ok {
		return errdefs.Newf(errdefs.KindUnknownType, "no schema for document kind %q", kind)
	}

	// Values share the registry's cue.Context, which is not safe for
	// concurrent evaluation.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return errdefs.Wrap(errdefs.KindSchemaInvalid, "failed to encode document", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		messages := cueMessages(err)
		return errdefs.Wrap(errdefs.KindSchemaInvalid,
			fmt.Sprintf("%s document does not match schema", kind),
			fmt.Errorf("%s", strings.Join(messages, "; "))).
			WithDetail("errors", messages)
	}

	return nil
}

// cueMessages flattens a CUE error list into one message per error.
func cueMessages(err error) []string {
	var messages []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + strings.TrimSpace(msg)
		}
		messages = append(messages, strings.TrimSpace(msg))
	}
	return messages
}

// builtinSchemas describes the authored documents. Endpoint direction and
// protocol are optional here; their absence is reported by the resolver as
// a missing attribute.
const builtinSchemas = `
#Scalar: string | number | bool

#Strings: {[string]: #Scalar}

#Limits: {
	cpu?:    #Scalar
	memory?: #Scalar
}

#Ref: {
	subcomponent: string
	endpoint:     string
}

#Volume: {
	type?:       string
	path?:       string
	scope?:      string
	durability?: string
	url?:        string
}

#Endpoint: {
	direction?: string
	protocol?:  string
	required?:  bool
	mapping?:   string | #Ref
}

#Entrypoint: {
	path?:     string
	protocol?: string
	mapping?:  string
	publish?:  bool
}

#Subcomponent: {
	type:         string
	cardinality?: string
	variables?:   #Strings
	labels?:      #Strings
	policies?:    #Limits
	volumes?: {[string]: #Volume}
	entrypoints?: {[string]: #Entrypoint}
	publish?: bool
}

#Connector: {
	type:       string
	labels?:    #Strings
	policies?:  #Limits
	variables?: #Strings
	inputs?: [...#Ref]
	outputs: [#Ref, ...#Ref]
}

#Basic: {
	name:         string & != ""
	type:         "basic"
	description?: string
	cardinality?: string
	labels?:      #Strings
	policies?:    #Limits
	variables?:   #Strings
	durability?:  string
	runtime?:     string
	source?:      string
	resources?:   #Limits
	events?:      #Strings
	volumes?: {[string]: #Volume}
	endpoints?: {[string]: #Endpoint}
}

#Composite: {
	name:         string & != ""
	type:         "composite"
	description?: string
	cardinality?: string
	labels?:      #Strings
	policies?:    #Limits
	variables?:   #Strings
	imports?: {[string]: string | {...}}
	subcomponents?: {[string]: #Subcomponent}
	connectors?: {[string]: #Connector}
	endpoints?: {[string]: #Endpoint}
}

#Deployment: {
	kind?:        "deployment"
	name:         string & != ""
	model:        string | {...}
	variables?:   #Strings
	cardinality?: string
	durability?:  string
	runtime?:     string
	source?:      string
	labels?:      #Strings
	policies?:    #Limits
	volumes?: {[string]: #Volume}
	entrypoints?: {[string]: #Entrypoint}
	publish?: bool
}
`
