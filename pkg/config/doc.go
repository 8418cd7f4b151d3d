// Package config reads the documents stackforge compiles: deployment
// descriptors and basic or composite component specs.
//
// # Overview
//
// Documents are YAML (JSON is accepted as a YAML subset). The Loader fetches
// a document through a Fetcher, validates its raw form against the schema of
// its kind, decodes it into typed structs and runs struct tag validation.
// Maps whose order is observable decode into Map, which keeps declaration
// order and rejects duplicate keys.
//
// # Components
//
// Loader: fetches and parses deployments and component specs, and resolves
// imports relative to the importing document.
//
// SchemaRegistry: CUE definitions #Deployment, #Basic and #Composite. Raw
// documents are encoded into CUE, unified with the definition and required
// to be concrete.
//
// JSONSchemaValidator: the same contract backed by embedded JSON Schema
// documents, selected with --schema-engine jsonschema.
//
// Evaluator: expands "{{expr}}" templates. Expressions are parsed as
// Starlark and must stay inside a small grammar: literals, variables,
// arithmetic, concatenation and parentheses. Anything else is rejected
// before evaluation.
//
// # Usage Example
//
//	loader := config.NewLoader(fetch.New(), config.NewSchemaRegistry())
//
//	deployment, err := loader.LoadDeployment(ctx, "deploy/prod.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	model, err := loader.Import(ctx, deployment.Origin, deployment.Model)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Document Structure
//
//	kind: deployment
//	name: prod
//	model: shop.yaml
//	variables:
//	  REPLICAS: 3
//	entrypoints:
//	  www:
//	    path: /
//	    protocol: http
//	    mapping: public
//
// A composite model:
//
//	name: shop
//	type: composite
//	imports:
//	  Web: web.yaml
//	subcomponents:
//	  front:
//	    type: Web
//	connectors:
//	  ingress:
//	    type: Link
//	    outputs:
//	      - subcomponent: front
//	        endpoint: http
//	endpoints:
//	  public:
//	    direction: in
//	    protocol: http
//	    mapping: ingress
package config
