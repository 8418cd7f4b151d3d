// Package engine compiles hierarchical component models into target
// platform artifacts.
//
// # Overview
//
// A deployment descriptor names a root component type and supplies values
// for it. Component types are either basic (one runnable unit with
// endpoints, volumes and resources) or composite (a wiring of imported
// types into subcomponents and connectors). The engine turns a descriptor
// into artifacts in five stages:
//
//  1. Resolve - Instantiate every component with concrete values (Resolver)
//  2. Check - Run policies over the resolved instances (PolicyChecker)
//  3. Schedule - Order the children of each composite (Schedule)
//  4. Translate - Hand instances and their peers to an adapter (Translator)
//  5. Pack - Let the adapter post-process the artifact list (TargetAdapter)
//
// Compiler runs the stages in order and stops at the first error. Every
// error is an *errdefs.Error classified by kind.
//
// # Instances
//
// Resolved components are stored in a Registry keyed by their dotted
// path, e.g. "shop.backend.db". BasicInstance and CompositeInstance both
// embed Meta, which carries the name, type, cardinality, variables and the
// link to the parent composite.
//
// Variables are layered: type defaults, then the values an enclosing
// composite passes down, then the deployment's own values. References use
// the {{name}} form and are expanded until none remain; a reference chain
// that loops back is a CyclicReference.
//
// # Wiring
//
// Connectors join subcomponent endpoints of one composite. A Link
// connector has no runtime presence and is followed through by the
// Adjacency resolver. An imported connector is realized by an instance of
// an imported type. Any other connector type is native to the target and
// is rendered by the adapter.
//
//	connectors:
//	  api:
//	    type: Link
//	    inputs: [{subcomponent: web, endpoint: api}]
//	    outputs: [{subcomponent: backend, endpoint: http}]
//
// Composites expose endpoints of their subcomponents and connectors as
// published endpoints; adjacency crosses those boundaries in both
// directions, so a peer is always a basic instance or a native connector.
//
// # Adapters
//
// TargetAdapter is implemented once per platform. The translator calls it
// with every basic instance and its outbound peers, and with every
// non-Link connector along with its targets and upstream source:
//
//	compiler := engine.NewCompiler(loader, adapter, engine.WithPolicy(checker))
//	result, err := compiler.Compile(ctx, "shop.yaml", engine.Options{Target: "compose"})
//	if err != nil {
//	    return err
//	}
//	return engine.WriteArtifacts("out", result.Artifacts)
package engine
