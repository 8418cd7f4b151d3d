package engine

import (
	"testing"

	"github.com/openfroyo/stackforge/pkg/errdefs"
)

func TestResolveValue(t *testing.T) {
	vars := map[string]string{"NAME": "web", "PORT": "8080"}

	tests := []struct {
		name  string
		value string
		opts  ValueOptions
		want  string
		kind  errdefs.Kind
	}{
		{
			name:  "plain",
			value: "nginx",
			want:  "nginx",
		},
		{
			name:  "empty optional",
			value: "",
			want:  "",
		},
		{
			name:  "empty required",
			value: "",
			opts:  ValueOptions{Required: true, Attribute: "source"},
			kind:  errdefs.KindMissingAttribute,
		},
		{
			name:  "substitute",
			value: "{{NAME}}:{{ PORT }}",
			opts:  ValueOptions{Substitute: vars},
			want:  "web:8080",
		},
		{
			name:  "substitute unknown",
			value: "a{{MISSING}}b",
			opts:  ValueOptions{Substitute: vars},
			want:  "ab",
		},
		{
			name:  "substitute ignoring case",
			value: "{{name}}",
			opts:  ValueOptions{Substitute: vars, IgnoreCase: true},
			want:  "web",
		},
		{
			name:  "evaluate",
			value: "{{PORT + 1}}",
			opts:  ValueOptions{Evaluate: vars},
			want:  "8081",
		},
		{
			name:  "evaluate concatenation",
			value: `{{NAME + "-svc"}}`,
			opts:  ValueOptions{Evaluate: vars},
			want:  "web-svc",
		},
		{
			name:  "allowed value canonicalized",
			value: "PERMANENT",
			opts:  ValueOptions{Values: []string{"ephemeral", "permanent"}, IgnoreCase: true},
			want:  "permanent",
		},
		{
			name:  "allowed value case sensitive",
			value: "PERMANENT",
			opts:  ValueOptions{Values: []string{"ephemeral", "permanent"}},
			kind:  errdefs.KindUnsupportedValue,
		},
		{
			name:  "pattern",
			value: "[1:3]",
			opts:  ValueOptions{Pattern: cardinalityPattern},
			want:  "[1:3]",
		},
		{
			name:  "open pattern",
			value: "[:]",
			opts:  ValueOptions{Pattern: cardinalityPattern},
			want:  "[:]",
		},
		{
			name:  "pattern mismatch",
			value: "3",
			opts:  ValueOptions{Pattern: cardinalityPattern},
			kind:  errdefs.KindUnsupportedFormat,
		},
		{
			name:  "fractional resource",
			value: "[0.5:2]",
			opts:  ValueOptions{Pattern: resourcePattern},
			want:  "[0.5:2]",
		},
		{
			name:  "both modes",
			value: "x",
			opts:  ValueOptions{Substitute: vars, Evaluate: vars},
			kind:  errdefs.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveValue(tt.value, tt.opts)
			if tt.kind != "" {
				expectKind(t, err, tt.kind)
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveValue_EvaluateErrorNamesAttribute(t *testing.T) {
	_, err := ResolveValue("{{__import__('os')}}", ValueOptions{Evaluate: map[string]string{}, Attribute: "variables.X"})
	if err == nil {
		t.Fatal("Expected an error for a disallowed expression")
	}
	e, ok := err.(*errdefs.Error)
	if !ok {
		t.Fatalf("Expected *errdefs.Error, got %T", err)
	}
	if e.Attribute != "variables.X" {
		t.Errorf("Expected attribute variables.X, got %q", e.Attribute)
	}
}
