package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		cardinalityPolicy(),
		sourcePolicy(),
		volumePolicy(),
		entrypointPolicy(),
	}
}

// cardinalityPolicy rejects replica ranges whose lower bound exceeds the upper one.
func cardinalityPolicy() Policy {
	return Policy{
		Name:        "cardinality-range",
		Description: "Cardinality lower bound must not exceed the upper bound",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cardinality"},
		Rego: `package forge.policies.cardinality

import rego.v1

bounds(c) := [lo, hi] if {
	parts := split(trim(c, "[]"), ":")
	count(parts) == 2
	lo := parts[0]
	hi := parts[1]
}

deny contains violation if {
	[lo, hi] := bounds(input.instance.cardinality)
	lo != ""
	hi != ""
	to_number(lo) > to_number(hi)
	violation := {
		"message": sprintf("cardinality %s has a minimum above its maximum", [input.instance.cardinality]),
		"severity": "error",
	}
}

deny contains violation if {
	some name
	sub := input.instance.subcomponents[name]
	[lo, hi] := bounds(sub.cardinality)
	lo != ""
	hi != ""
	to_number(lo) > to_number(hi)
	violation := {
		"message": sprintf("subcomponent %s cardinality %s has a minimum above its maximum", [name, sub.cardinality]),
		"severity": "error",
	}
}`,
	}
}

// sourcePolicy requires every basic instance to name what it runs.
func sourcePolicy() Policy {
	return Policy{
		Name:        "basic-source",
		Description: "Basic components must declare a source",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"source"},
		Rego: `package forge.policies.source

import rego.v1

deny contains violation if {
	input.kind == "basic"
	not input.instance.source
	violation := {
		"message": sprintf("basic component %s does not declare a source", [input.path]),
		"severity": "error",
	}
}

deny contains violation if {
	input.kind == "basic"
	input.instance.source == ""
	violation := {
		"message": sprintf("basic component %s has an empty source", [input.path]),
		"severity": "error",
	}
}`,
	}
}

// volumePolicy warns about permanent state kept on replica-local volumes.
func volumePolicy() Policy {
	return Policy{
		Name:        "local-permanent-volume",
		Description: "Permanent volumes should not be replica local",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"volumes", "durability"},
		Rego: `package forge.policies.volumes

import rego.v1

deny contains violation if {
	input.kind == "basic"
	some name
	volume := input.instance.volumes[name]
	volume.scope == "local"
	volume.durability == "permanent"
	violation := {
		"message": sprintf("volume %s is permanent but local to each replica", [name]),
		"severity": "warning",
	}
}`,
	}
}

// entrypointPolicy warns when a published entrypoint needs a privileged port.
func entrypointPolicy() Policy {
	return Policy{
		Name:        "privileged-entrypoint",
		Description: "Published entrypoints below port 1024 need a privileged listener",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"entrypoints", "ports"},
		Rego: `package forge.policies.entrypoints

import rego.v1

port(protocol) := to_number(split(protocol, ":")[1])

entrypoints contains ep if {
	some name
	ep := input.instance.entrypoints[name]
}

entrypoints contains ep if {
	some name
	ep := input.instance.connectors[name].entrypoint
}

deny contains violation if {
	some ep in entrypoints
	ep.publish
	port(ep.protocol) < 1024
	violation := {
		"message": sprintf("entrypoint %s is published on privileged port %d", [ep.name, port(ep.protocol)]),
		"severity": "warning",
	}
}`,
	}
}
