package ingress

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// AuthenticationType says whether an ingress requires a gateway session.
type AuthenticationType string

const (
	AuthNone    AuthenticationType = "none"
	AuthSession AuthenticationType = "session"
)

// TokenPlaceholder in a header value is replaced by the shared secret token.
const TokenPlaceholder = "$(kubernetes_token)"

// Ingress describes one named backend reachable through the gateway at
// "<name>-<session>.<domain>".
type Ingress struct {
	Name           string         `yaml:"name"`
	Protocol       string         `yaml:"protocol"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Path           string         `yaml:"path"`
	PathRewrite    PathRewrite    `yaml:"pathRewrite"`
	Headers        []Header       `yaml:"headers"`
	Authentication Authentication `yaml:"authentication"`
	Secure         *bool          `yaml:"secure"`
	ChangeOrigin   *bool          `yaml:"changeOrigin"`
}

type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type Authentication struct {
	Type AuthenticationType `yaml:"type"`
}

// AuthType returns the declared authentication, AuthNone when unset.
func (i *Ingress) AuthType() AuthenticationType {
	if i.Authentication.Type == "" {
		return AuthNone
	}
	return i.Authentication.Type
}

// Target returns the backend base URL with protocol, host and port
// defaults applied.
func (i *Ingress) Target() *url.URL {
	protocol := i.Protocol
	if protocol == "" {
		protocol = "http"
	}
	host := i.Host
	if host == "" {
		host = "localhost"
	}
	port := i.Port
	if port == 0 {
		port = 80
		if protocol == "https" {
			port = 443
		}
	}
	return &url.URL{Scheme: protocol, Host: host + ":" + strconv.Itoa(port)}
}

// VerifyTLS reports whether backend certificates are verified. Defaults to
// true.
func (i *Ingress) VerifyTLS() bool {
	return i.Secure == nil || *i.Secure
}

// ChangesOrigin reports whether the dialed host is sent as the Host header
// for non-local backends. Defaults to true.
func (i *Ingress) ChangesOrigin() bool {
	return i.ChangeOrigin == nil || *i.ChangeOrigin
}

// Validate checks a single descriptor.
func (i *Ingress) Validate() error {
	if i.Name == "" {
		return errors.New("ingress name is required")
	}
	switch i.Protocol {
	case "", "http", "https":
	default:
		return fmt.Errorf("ingress %q: unsupported protocol %q", i.Name, i.Protocol)
	}
	if i.Port < 0 || i.Port > 65535 {
		return fmt.Errorf("ingress %q: invalid port %d", i.Name, i.Port)
	}
	switch i.AuthType() {
	case AuthNone, AuthSession:
	default:
		return fmt.Errorf("ingress %q: unknown authentication type %q", i.Name, i.Authentication.Type)
	}
	for _, h := range i.Headers {
		if h.Name == "" {
			return fmt.Errorf("ingress %q: header without name", i.Name)
		}
	}
	return nil
}

// RewriteRule replaces the first match of Pattern in the request path.
type RewriteRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// PathRewrite is an ordered list of rules. Only the first rule whose
// pattern matches is applied.
type PathRewrite []RewriteRule

// UnmarshalYAML reads a mapping of pattern to replacement, keeping the order
// the rules were written in.
func (pr *PathRewrite) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: pathRewrite must be a mapping", node.Line)
	}
	rules := make(PathRewrite, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		re, err := regexp.Compile(key.Value)
		if err != nil {
			return fmt.Errorf("line %d: pathRewrite pattern %q: %w", key.Line, key.Value, err)
		}
		rules = append(rules, RewriteRule{Pattern: re, Replacement: value.Value})
	}
	*pr = rules
	return nil
}

// Apply rewrites path with the first matching rule.
func (pr PathRewrite) Apply(path string) string {
	for _, rule := range pr {
		loc := rule.Pattern.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		out := path[:loc[0]]
		out = string(rule.Pattern.ExpandString([]byte(out), rule.Replacement, path, loc))
		return out + path[loc[1]:]
	}
	return path
}

type fileFormat struct {
	Ingresses []Ingress `yaml:"ingresses"`
}

// LoadFile reads an ingress list from a YAML document of the form
// "ingresses: [...]".
func LoadFile(path string) ([]Ingress, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ingress file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates an ingress document.
func Parse(data []byte) ([]Ingress, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ingress file: %w", err)
	}
	for i := range doc.Ingresses {
		if err := doc.Ingresses[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Ingresses, nil
}

// Snapshot is an immutable, ordered set of ingresses.
type Snapshot struct {
	ingresses []Ingress
}

// Ingresses returns the descriptors in table order. Callers must not modify
// the returned slice.
func (s *Snapshot) Ingresses() []Ingress { return s.ingresses }

// Table publishes the current Snapshot. Requests in flight keep using the
// snapshot they loaded while Store installs a new one.
type Table struct {
	current atomic.Pointer[Snapshot]
}

// NewTable validates ingresses and returns a table holding them.
func NewTable(ingresses []Ingress) (*Table, error) {
	t := &Table{}
	if err := t.Store(ingresses); err != nil {
		return nil, err
	}
	return t, nil
}

// Store replaces the table contents atomically.
func (t *Table) Store(ingresses []Ingress) error {
	for i := range ingresses {
		if err := ingresses[i].Validate(); err != nil {
			return err
		}
	}
	copied := make([]Ingress, len(ingresses))
	copy(copied, ingresses)
	t.current.Store(&Snapshot{ingresses: copied})
	return nil
}

// Load returns the current snapshot.
func (t *Table) Load() *Snapshot {
	if s := t.current.Load(); s != nil {
		return s
	}
	return &Snapshot{}
}
