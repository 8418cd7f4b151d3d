package engine

import (
	"regexp"
	"strings"

	"github.com/openfroyo/stackforge/pkg/config"
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

var (
	cardinalityPattern = regexp.MustCompile(`^\[\d*:\d*\]$`)
	resourcePattern    = regexp.MustCompile(`^\[\d*(\.\d+)?:\d*(\.\d+)?\]$`)
	placeholderPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

	evaluator = config.NewEvaluator()
)

// ValueOptions controls how ResolveValue checks and expands one attribute.
// At most one of Substitute and Evaluate may be set.
type ValueOptions struct {
	// Required rejects an empty value.
	Required bool

	// Values is the allowed set of results.
	Values []string

	// Pattern must match the result.
	Pattern *regexp.Regexp

	// IgnoreCase applies to substitution lookups and to Values.
	IgnoreCase bool

	// Substitute replaces "{{name}}" with the named value. Unknown names
	// become the empty string.
	Substitute map[string]string

	// Evaluate evaluates each "{{expr}}" with this map as its scope.
	Evaluate map[string]string

	// Attribute names the attribute in errors.
	Attribute string
}

// ResolveValue expands and validates one scalar attribute. When Values is
// set and IgnoreCase is true the canonical spelling from Values is returned.
func ResolveValue(value string, opts ValueOptions) (string, error) {
	if opts.Substitute != nil && opts.Evaluate != nil {
		return "", errdefs.New(errdefs.KindInternal, "substitution and evaluation are mutually exclusive").
			WithAttribute(opts.Attribute)
	}

	if value == "" {
		if opts.Required {
			return "", errdefs.Newf(errdefs.KindMissingAttribute, "%s is required", attributeName(opts.Attribute)).
				WithAttribute(opts.Attribute)
		}
		return value, nil
	}

	result := value
	switch {
	case opts.Substitute != nil:
		result = substitute(value, opts.Substitute, opts.IgnoreCase)
	case opts.Evaluate != nil:
		expanded, err := evaluator.Expand(value, opts.Evaluate)
		if err != nil {
			if e, ok := err.(*errdefs.Error); ok && e.Attribute == "" {
				e.Attribute = opts.Attribute
			}
			return "", err
		}
		result = expanded
	}

	if len(opts.Values) > 0 {
		canonical, ok := matchValue(result, opts.Values, opts.IgnoreCase)
		if !ok {
			return "", errdefs.Newf(errdefs.KindUnsupportedValue, "%s %q must be one of %s",
				attributeName(opts.Attribute), result, strings.Join(opts.Values, ", ")).
				WithAttribute(opts.Attribute)
		}
		result = canonical
	}

	if opts.Pattern != nil && !opts.Pattern.MatchString(result) {
		return "", errdefs.Newf(errdefs.KindUnsupportedFormat, "%s %q does not match %s",
			attributeName(opts.Attribute), result, opts.Pattern.String()).
			WithAttribute(opts.Attribute)
	}

	return result, nil
}

func substitute(value string, vars map[string]string, ignoreCase bool) string {
	var folded map[string]string
	if ignoreCase {
		folded = make(map[string]string, len(vars))
		for k, v := range vars {
			folded[strings.ToLower(k)] = v
		}
	}

	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		if ignoreCase {
			return folded[strings.ToLower(name)]
		}
		return vars[name]
	})
}

func matchValue(value string, allowed []string, ignoreCase bool) (string, bool) {
	for _, a := range allowed {
		if a == value || (ignoreCase && strings.EqualFold(a, value)) {
			return a, true
		}
	}
	return "", false
}

func attributeName(attribute string) string {
	if attribute == "" {
		return "value"
	}
	return attribute
}
