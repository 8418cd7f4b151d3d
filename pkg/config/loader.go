package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/stackforge/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// Fetcher retrieves the raw bytes behind a document URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Loader fetches, schema-validates and decodes documents.
type Loader struct {
	fetcher   Fetcher
	schemas   SchemaValidator
	validator *validator.Validate
}

// NewLoader creates a loader. A nil schema validator defaults to the CUE registry.
func NewLoader(fetcher Fetcher, schemas SchemaValidator) *Loader {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Loader{
		fetcher:   fetcher,
		schemas:   schemas,
		validator: validator.New(),
	}
}

// LoadDeployment fetches and parses the document at url. A bare component
// spec is accepted and wrapped in a deployment named after the component.
func (l *Loader) LoadDeployment(ctx context.Context, url string) (*DeploymentDescriptor, error) {
	data, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return l.ParseDeployment(ctx, data, url)
}

// LoadComponent fetches and parses the component spec at url.
func (l *Loader) LoadComponent(ctx context.Context, url string) (*ComponentSpec, error) {
	data, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return l.ParseComponent(ctx, data, url)
}

// ParseDeployment parses a deployment descriptor or a bare component spec.
func (l *Loader) ParseDeployment(ctx context.Context, data []byte, source string) (*DeploymentDescriptor, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSchemaInvalid, fmt.Sprintf("failed to parse %s", source), err)
	}
	doc := documentNode(&root)
	if doc == nil {
		return nil, errdefs.Newf(errdefs.KindSchemaInvalid, "%s is empty", source)
	}

	raw, err := decodeRaw(doc)
	if err != nil {
		return nil, classifyDecodeError(err, source)
	}

	if !isDeployment(raw) {
		spec, err := l.parseComponentNode(ctx, doc, raw, source)
		if err != nil {
			return nil, err
		}
		return &DeploymentDescriptor{
			Kind:   string(KindDeployment),
			Name:   spec.Name,
			Model:  ImportRef{Spec: spec, node: doc},
			Origin: source,
		}, nil
	}

	if err := l.schemas.Validate(ctx, KindDeployment, raw); err != nil {
		return nil, errdefs.InPath(err, source)
	}

	var d DeploymentDescriptor
	if err := doc.Decode(&d); err != nil {
		return nil, classifyDecodeError(err, source)
	}
	if err := l.checkStruct(&d, source); err != nil {
		return nil, err
	}
	d.Origin = source

	if !d.Model.IsReference() {
		if _, err := l.Import(ctx, source, d.Model); err != nil {
			return nil, err
		}
	}

	return &d, nil
}

// ParseComponent parses a basic or composite component spec.
func (l *Loader) ParseComponent(ctx context.Context, data []byte, source string) (*ComponentSpec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errdefs.Wrap(errdefs.KindSchemaInvalid, fmt.Sprintf("failed to parse %s", source), err)
	}
	doc := documentNode(&root)
	if doc == nil {
		return nil, errdefs.Newf(errdefs.KindSchemaInvalid, "%s is empty", source)
	}

	raw, err := decodeRaw(doc)
	if err != nil {
		return nil, classifyDecodeError(err, source)
	}

	return l.parseComponentNode(ctx, doc, raw, source)
}

// Import returns the component spec behind ref. References are resolved
// against base and fetched; inline specs are validated in place and take
// base as their origin.
func (l *Loader) Import(ctx context.Context, base string, ref ImportRef) (*ComponentSpec, error) {
	if ref.IsReference() {
		if ref.URL == "" {
			return nil, errdefs.New(errdefs.KindMissingAttribute, "import has no URL").WithAttribute("model")
		}
		return l.LoadComponent(ctx, ResolveImport(base, ref.URL))
	}

	if ref.node != nil {
		raw, err := decodeRaw(ref.node)
		if err != nil {
			return nil, classifyDecodeError(err, base)
		}
		kind, err := componentKind(raw)
		if err != nil {
			return nil, errdefs.InPath(err, base)
		}
		if err := l.schemas.Validate(ctx, kind, raw); err != nil {
			return nil, errdefs.InPath(err, base)
		}
	}
	if err := l.checkStruct(ref.Spec, base); err != nil {
		return nil, err
	}

	spec := *ref.Spec
	spec.Origin = base
	return &spec, nil
}

func (l *Loader) parseComponentNode(ctx context.Context, doc *yaml.Node, raw map[string]interface{}, source string) (*ComponentSpec, error) {
	kind, err := componentKind(raw)
	if err != nil {
		return nil, errdefs.InPath(err, source)
	}
	if err := l.schemas.Validate(ctx, kind, raw); err != nil {
		return nil, errdefs.InPath(err, source)
	}

	var spec ComponentSpec
	if err := doc.Decode(&spec); err != nil {
		return nil, classifyDecodeError(err, source)
	}
	if err := l.checkStruct(&spec, source); err != nil {
		return nil, err
	}
	spec.Origin = source

	return &spec, nil
}

// checkStruct runs the struct tag validation on a decoded document.
func (l *Loader) checkStruct(v interface{}, source string) error {
	err := l.validator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return errdefs.Newf(errdefs.KindSchemaInvalid, "field %s failed %q validation", fe.Namespace(), fe.Tag()).
			WithPath(source).
			WithAttribute(strings.ToLower(fe.Field()))
	}
	return errdefs.Wrap(errdefs.KindSchemaInvalid, "validation failed", err).WithPath(source)
}

// ResolveImport resolves ref relative to the document at base.
func ResolveImport(base, ref string) string {
	if base == "" || hasScheme(ref) {
		return ref
	}

	if hasScheme(base) {
		baseURL, err := url.Parse(base)
		if err != nil {
			return ref
		}
		refURL, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return baseURL.ResolveReference(refURL).String()
	}

	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(base), ref)
}

func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	return i > 1
}

func documentNode(root *yaml.Node) *yaml.Node {
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil
		}
		return root.Content[0]
	}
	if root.Kind == 0 {
		return nil
	}
	return root
}

func isDeployment(raw map[string]interface{}) bool {
	if kind, ok := raw["kind"].(string); ok {
		return kind == string(KindDeployment)
	}
	_, hasModel := raw["model"]
	return hasModel
}

func componentKind(raw map[string]interface{}) (DocumentKind, error) {
	t, ok := raw["type"]
	if !ok {
		return "", errdefs.New(errdefs.KindSchemaInvalid, "component has no type").WithAttribute("type")
	}
	switch s := fmt.Sprint(t); ComponentType(s) {
	case TypeBasic:
		return KindBasic, nil
	case TypeComposite:
		return KindComposite, nil
	default:
		return "", errdefs.Newf(errdefs.KindUnknownType, "unknown component type %q", s).WithAttribute("type")
	}
}

// decodeRaw decodes node into generic values with string keys and without
// null entries, the form the schema validators expect.
func decodeRaw(node *yaml.Node) (map[string]interface{}, error) {
	if err := checkDuplicateKeys(node); err != nil {
		return nil, err
	}
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	m, ok := normalize(v).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	return m, nil
}

// checkDuplicateKeys rejects a mapping that declares the same key twice at
// any depth.
func checkDuplicateKeys(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		seen := make(map[string]int, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if line, ok := seen[key.Value]; ok {
				return errdefs.Newf(errdefs.KindDuplicateName,
					"line %d: key %q already defined at line %d", key.Line, key.Value, line).
					WithAttribute(key.Value)
			}
			seen[key.Value] = key.Line
		}
	}
	for _, child := range node.Content {
		if err := checkDuplicateKeys(child); err != nil {
			return err
		}
	}
	return nil
}

func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if val == nil {
				continue
			}
			out[k] = normalize(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if val == nil {
				continue
			}
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, val := range v {
			out = append(out, normalize(val))
		}
		return out
	default:
		return v
	}
}

func classifyDecodeError(err error, source string) error {
	if errdefs.KindOf(err) != "" {
		return errdefs.InPath(err, source)
	}
	return errdefs.Wrap(errdefs.KindSchemaInvalid, "failed to decode document", err).WithPath(source)
}
