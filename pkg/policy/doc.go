// Package policy checks resolved instances against Open Policy Agent
// (OPA) Rego policies.
//
// Every policy is a Rego module with a "deny" set. The engine evaluates it
// once per instance in the registry with this input:
//
//	{
//	  "path": "shop.backend",
//	  "kind": "basic",
//	  "instance": { ... the instance as JSON ... }
//	}
//
// and with data.forge.instances mapping every path of the compile to its
// kind. A deny entry is either a message string or an object with
// "message" and "severity" keys; the policy's own severity applies when
// the entry has none.
//
// # Built-in Policies
//
//  1. cardinality-range - lower bound above the upper bound (error)
//  2. basic-source - basic component without a source (error)
//  3. local-permanent-volume - permanent volume scoped to one replica (warning)
//  4. privileged-entrypoint - published entrypoint below port 1024 (warning)
//
// # Custom Policies
//
// Extra policies are loaded from .rego files (named after the file) or
// .json files holding a Policy:
//
//	# Production services must be labelled with an owner.
//	# severity: error
//	package custom.owner
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.kind == "basic"
//	    not input.instance.labels.owner
//	    msg := sprintf("%s has no owner label", [input.path])
//	}
//
// # Severity Levels
//
// error and critical violations fail the compile with PolicyViolation.
// warning and info violations are logged and published as policy warning
// events.
//
// Usage:
//
//	checker, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := checker.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	compiler := engine.NewCompiler(loader, adapter, engine.WithPolicy(checker))
package policy
