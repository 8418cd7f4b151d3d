package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := New(KindMissingAttribute, "attribute is required").
		WithPath("shop.web").
		WithAttribute("protocol")

	msg := err.Error()
	for _, want := range []string{"[MissingAttribute]", "attribute is required", "path=shop.web", "attribute=protocol"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(KindFetchError, "failed to fetch", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected wrapped error to match its cause")
	}
	if !strings.HasSuffix(err.Error(), ": connection refused") {
		t.Errorf("Expected cause in message, got: %s", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(KindOrphanConnector, "orphan"), KindOrphanConnector},
		{"wrapped by fmt", fmt.Errorf("outer: %w", New(KindDuplicateName, "dup")), KindDuplicateName},
		{"plain", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("Expected kind %q, got %q", tt.want, got)
			}
		})
	}
}

func TestError_IsComparesKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", Newf(KindCyclicReference, "cycle %s", "a -> b -> a"))

	if !errors.Is(err, New(KindCyclicReference, "")) {
		t.Error("Expected errors.Is to match on kind")
	}
	if errors.Is(err, New(KindInternal, "")) {
		t.Error("Expected errors.Is not to match a different kind")
	}
}

func TestInPath_KeepsInnermostPath(t *testing.T) {
	inner := New(KindUnknownType, "unknown").WithPath("root.a.b")
	err := InPath(inner, "root.a")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("Expected classified error")
	}
	if e.Path != "root.a.b" {
		t.Errorf("Expected innermost path to be kept, got %s", e.Path)
	}

	bare := InPath(New(KindUnknownType, "unknown"), "root")
	if !errors.As(bare, &e) || e.Path != "root" {
		t.Errorf("Expected path to be filled in, got %v", bare)
	}
}
