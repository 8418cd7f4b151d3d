package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/stackforge/pkg/errdefs"
)

func TestEvaluator_Expand(t *testing.T) {
	ev := NewEvaluator()
	scope := map[string]string{
		"name":  "web",
		"port":  "8080",
		"ratio": "1.5",
		"a":     "foo",
		"b":     "bar",
		"host":  "db",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"no placeholder", "plain", "plain"},
		{"variable", "{{name}}", "web"},
		{"surrounding text", "svc-{{name}}-{{port}}", "svc-web-8080"},
		{"integer arithmetic", "{{port + 1}}", "8081"},
		{"concatenation", "{{a + b}}", "foobar"},
		{"float arithmetic", "{{ratio * 2}}", "3"},
		{"true division", "{{10 / 4}}", "2.5"},
		{"floor division", "{{7 // 2}}", "3"},
		{"modulo", "{{port % 1000}}", "80"},
		{"parentheses", "{{(port - 80) * 2}}", "16000"},
		{"unary minus", "{{-port}}", "-8080"},
		{"string literal", "{{'lit'}}", "lit"},
		{"whitespace", "{{  name  }}", "web"},
		{"string and numeric variable", "{{host + ':' + port}}", "db:8080"},
		{"numeric variable before string", "{{port + name}}", "8080web"},
		{"number literal concatenation", "{{'v' + 2}}", "v2"},
		{"arithmetic then concatenation", "{{name + '-' + (port + 1)}}", "web-8081"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Expand(tt.template, scope)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEvaluator_RejectsOutsideGrammar(t *testing.T) {
	ev := NewEvaluator()
	scope := map[string]string{"x": "1", "s": "text", "big": strings.Repeat("a", MaxResultLength/2+1)}

	tests := []struct {
		name     string
		template string
		kind     errdefs.Kind
	}{
		{"function call", "{{len(s)}}", errdefs.KindUnsupportedFormat},
		{"attribute access", "{{s.upper}}", errdefs.KindUnsupportedFormat},
		{"list literal", "{{[x]}}", errdefs.KindUnsupportedFormat},
		{"comparison", "{{x == 1}}", errdefs.KindUnsupportedFormat},
		{"indexing", "{{s[0]}}", errdefs.KindUnsupportedFormat},
		{"syntax error", "{{x +}}", errdefs.KindUnsupportedFormat},
		{"empty expression", "{{}}", errdefs.KindUnsupportedFormat},
		{"type mismatch", "{{s - 1}}", errdefs.KindUnsupportedFormat},
		{"division by zero", "{{x / 0}}", errdefs.KindUnsupportedFormat},
		{"string literal repetition", "{{'ab' * 400000000}}", errdefs.KindUnsupportedFormat},
		{"string variable repetition", "{{3 * s}}", errdefs.KindUnsupportedFormat},
		{"too many steps", "{{" + strings.Repeat("x+", DefaultMaxSteps) + "x}}", errdefs.KindUnsupportedValue},
		{"oversized result", "{{big + big}}", errdefs.KindUnsupportedValue},
		{"oversized template", "{{big}}{{big}}", errdefs.KindUnsupportedValue},
		{"undefined variable", "{{missing}}", errdefs.KindUnresolvedReference},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ev.Expand(tt.template, scope)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if kind := errdefs.KindOf(err); kind != tt.kind {
				t.Errorf("Expected kind %s, got %s (%v)", tt.kind, kind, err)
			}
		})
	}
}

func TestEvaluator_FreeVariables(t *testing.T) {
	ev := NewEvaluator()

	got, err := ev.FreeVariables("{{a + b}}-{{a}}-{{c * 2}}")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	none, err := ev.FreeVariables("no templates here")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no variables, got %v", none)
	}
}

func TestHasTemplate(t *testing.T) {
	if !HasTemplate("x{{y}}") {
		t.Error("Expected template to be detected")
	}
	if HasTemplate("x{y}") {
		t.Error("Expected single braces not to count as a template")
	}
}
