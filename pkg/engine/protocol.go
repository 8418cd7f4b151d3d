package engine

import (
	"strconv"
	"strings"

	"github.com/openfroyo/stackforge/pkg/errdefs"
)

// Protocol is a canonical transport protocol and port. Every resolved
// endpoint carries one; the only scheme is "tcp".
type Protocol struct {
	Scheme string `json:"scheme"`
	Port   int    `json:"port"`
}

// SchemeTCP is the scheme of every canonical protocol.
const SchemeTCP = "tcp"

var wellKnownPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// ParseProtocol canonicalizes "http", "https" and "tcp:<port>" in any case.
// Parsing the String form of a protocol yields the same protocol.
func ParseProtocol(s string) (Protocol, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	if value == "" {
		return Protocol{}, errdefs.New(errdefs.KindMissingAttribute, "protocol is empty").WithAttribute("protocol")
	}

	if port, ok := wellKnownPorts[value]; ok {
		return Protocol{Scheme: SchemeTCP, Port: port}, nil
	}

	scheme, portStr, found := strings.Cut(value, ":")
	if !found || scheme != SchemeTCP {
		return Protocol{}, errdefs.Newf(errdefs.KindUnsupportedFormat,
			"protocol %q must be http, https or tcp:<port>", s).WithAttribute("protocol")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Protocol{}, errdefs.Newf(errdefs.KindUnsupportedFormat,
			"protocol %q has an invalid port", s).WithAttribute("protocol")
	}

	return Protocol{Scheme: SchemeTCP, Port: port}, nil
}

// String returns the canonical "tcp:<port>" form.
func (p Protocol) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Scheme + ":" + strconv.Itoa(p.Port)
}

// IsZero reports whether p is unset.
func (p Protocol) IsZero() bool {
	return p.Scheme == "" && p.Port == 0
}

// Equal reports whether both protocols name the same scheme and port.
func (p Protocol) Equal(other Protocol) bool {
	return p.Scheme == other.Scheme && p.Port == other.Port
}

// MarshalText encodes the canonical form.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses any accepted form.
func (p *Protocol) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = Protocol{}
		return nil
	}
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
