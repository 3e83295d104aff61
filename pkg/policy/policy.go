// Package policy decides which requests are cached, for how long, and which
// responses are worth storing.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

// ErrConfiguration matches every error caused by an unusable policy document.
var ErrConfiguration = errors.New("policy configuration error")

const (
	// ConfigEnv names the environment variable holding the policy document path.
	ConfigEnv = "CACHE_POLICY_CONFIG"

	// DefaultSource is the Source of the built-in policy.
	DefaultSource = "default"

	defaultTTL         = time.Hour
	defaultMaxBodySize = 10 << 20
)

// SearchPaths are tried in order when ConfigEnv is unset.
var SearchPaths = []string{
	"config/policies.yaml",
	"/opt/config/policies.yaml",
}

var defaultHeadersToVary = []string{"authorization", "x-api-key", "x-user-id"}

// Policy is an immutable set of caching rules. It is safe for concurrent use
// without locking.
type Policy struct {
	// DefaultTTL applies when no rule sets a TTL.
	DefaultTTL time.Duration

	// DefaultMaxBodySize is the largest response body stored when no rule sets one.
	DefaultMaxBodySize int64

	// DefaultHeadersToVary is the list reported in the vary header when no rule sets one.
	DefaultHeadersToVary []string

	// Rules are ordered from most to least specific.
	Rules []Rule

	// Source is the document path the policy was loaded from, or DefaultSource.
	Source string
}

// Rule is one entry of endpoint_policies.
type Rule struct {
	// Pattern is the "METHOD PATH" key as written in the document.
	Pattern string

	// Method is the upper-cased method or "*".
	Method string

	// Path is an exact path, a "prefix*" pattern or "*".
	Path string

	TTL           *time.Duration
	MaxBodySize   *int64
	HeadersToVary []string
	Cacheable     bool

	// Methods restricts a "*" method pattern to the listed methods.
	Methods []string

	// Order is the position of the rule in the document.
	Order int
}

// document mirrors the on-disk policy format. JSON documents are accepted as
// the YAML subset they are.
type document struct {
	DefaultTTL       *int64    `yaml:"default_ttl"`
	MaxBodySize      *int64    `yaml:"max_body_size"`
	HeadersToVary    []string  `yaml:"headers_to_vary"`
	EndpointPolicies yaml.Node `yaml:"endpoint_policies"`
}

type ruleDocument struct {
	TTL           *int64   `yaml:"ttl"`
	MaxBodySize   *int64   `yaml:"max_body_size"`
	HeadersToVary []string `yaml:"headers_to_vary"`
	Cacheable     bool     `yaml:"cacheable"`
	Methods       []string `yaml:"methods"`
}

// Default returns the built-in policy used when no document is configured.
func Default() *Policy {
	usersTTL := 300 * time.Second
	usersMaxBody := int64(1 << 20)

	return &Policy{
		DefaultTTL:           defaultTTL,
		DefaultMaxBodySize:   defaultMaxBodySize,
		DefaultHeadersToVary: append([]string(nil), defaultHeadersToVary...),
		Rules: []Rule{
			{
				Pattern:       "GET /api/users",
				Method:        "GET",
				Path:          "/api/users",
				TTL:           &usersTTL,
				MaxBodySize:   &usersMaxBody,
				HeadersToVary: []string{"authorization"},
				Cacheable:     true,
				Methods:       []string{"GET"},
				Order:         0,
			},
			{
				Pattern:   "POST *",
				Method:    "POST",
				Path:      "*",
				Cacheable: false,
				Methods:   []string{"POST"},
				Order:     1,
			},
		},
		Source: DefaultSource,
	}
}

// LoadFromConfig loads the document named by ConfigEnv, else the first of
// SearchPaths that exists, else returns Default.
func LoadFromConfig() (*Policy, error) {
	if path := os.Getenv(ConfigEnv); path != "" {
		return Load(path)
	}
	for _, path := range SearchPaths {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: stat %s: %v", ErrConfiguration, path, err)
		}
	}
	return Default(), nil
}

// Load reads and parses a policy document.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

// Parse builds a policy from a YAML or JSON document. Missing or zero
// defaults fall back to the built-in values.
func Parse(data []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrConfiguration, err)
	}

	p := &Policy{
		DefaultTTL:           defaultTTL,
		DefaultMaxBodySize:   defaultMaxBodySize,
		DefaultHeadersToVary: append([]string(nil), defaultHeadersToVary...),
	}

	if doc.DefaultTTL != nil {
		if *doc.DefaultTTL < 0 {
			return nil, fmt.Errorf("%w: default_ttl must not be negative", ErrConfiguration)
		}
		if *doc.DefaultTTL > 0 {
			p.DefaultTTL = time.Duration(*doc.DefaultTTL) * time.Second
		}
	}
	if doc.MaxBodySize != nil {
		if *doc.MaxBodySize < 0 {
			return nil, fmt.Errorf("%w: max_body_size must not be negative", ErrConfiguration)
		}
		if *doc.MaxBodySize > 0 {
			p.DefaultMaxBodySize = *doc.MaxBodySize
		}
	}
	if len(doc.HeadersToVary) > 0 {
		p.DefaultHeadersToVary = lowerAll(doc.HeadersToVary)
	}

	rules, err := parseRules(&doc.EndpointPolicies)
	if err != nil {
		return nil, err
	}
	rankRules(rules)
	p.Rules = rules

	return p, nil
}

// parseRules walks the endpoint_policies mapping in document order.
func parseRules(node *yaml.Node) ([]Rule, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: endpoint_policies must be a mapping (line %d)", ErrConfiguration, node.Line)
	}

	rules := make([]Rule, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		var rd ruleDocument
		if err := valueNode.Decode(&rd); err != nil {
			return nil, fmt.Errorf("%w: endpoint %q: %v", ErrConfiguration, keyNode.Value, err)
		}
		rule, err := newRule(keyNode.Value, rd, len(rules))
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func newRule(pattern string, rd ruleDocument, order int) (Rule, error) {
	method, path, err := splitPattern(pattern)
	if err != nil {
		return Rule{}, err
	}

	rule := Rule{
		Pattern:   pattern,
		Method:    method,
		Path:      path,
		Cacheable: rd.Cacheable,
		Methods:   upperAll(rd.Methods),
		Order:     order,
	}
	if rd.TTL != nil {
		if *rd.TTL < 0 {
			return Rule{}, fmt.Errorf("%w: endpoint %q: ttl must not be negative", ErrConfiguration, pattern)
		}
		if *rd.TTL > 0 {
			ttl := time.Duration(*rd.TTL) * time.Second
			rule.TTL = &ttl
		}
	}
	if rd.MaxBodySize != nil {
		if *rd.MaxBodySize < 0 {
			return Rule{}, fmt.Errorf("%w: endpoint %q: max_body_size must not be negative", ErrConfiguration, pattern)
		}
		if *rd.MaxBodySize > 0 {
			size := *rd.MaxBodySize
			rule.MaxBodySize = &size
		}
	}
	if rd.HeadersToVary != nil {
		rule.HeadersToVary = lowerAll(rd.HeadersToVary)
	}
	return rule, nil
}

// splitPattern validates "METHOD PATH". METHOD is a token or "*"; PATH is
// "*", an exact path, or a path ending in a single trailing "*".
func splitPattern(pattern string) (method, path string, err error) {
	fields := strings.Fields(pattern)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: endpoint %q: want \"METHOD PATH\"", ErrConfiguration, pattern)
	}
	method, path = strings.ToUpper(fields[0]), fields[1]

	if method != "*" {
		for _, r := range method {
			if r < 'A' || r > 'Z' {
				return "", "", fmt.Errorf("%w: endpoint %q: invalid method %q", ErrConfiguration, pattern, fields[0])
			}
		}
	}

	if path != "*" {
		if !strings.HasPrefix(path, "/") {
			return "", "", fmt.Errorf("%w: endpoint %q: path must start with /", ErrConfiguration, pattern)
		}
		i := strings.Index(path, "*")
		if i >= 0 && i != len(path)-1 {
			return "", "", fmt.Errorf("%w: endpoint %q: * is only allowed at the end of a path", ErrConfiguration, pattern)
		}
		if i < 0 {
			path = normalize.Path(path)
		}
	}
	return method, path, nil
}

// rankRules orders rules by path specificity, then explicit method before
// "*", then document order.
func rankRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		ka, la := pathRank(a.Path)
		kb, lb := pathRank(b.Path)
		if ka != kb {
			return ka < kb
		}
		if la != lb {
			return la > lb
		}
		if (a.Method == "*") != (b.Method == "*") {
			return b.Method == "*"
		}
		return a.Order < b.Order
	})
}

// pathRank returns the specificity class of a path pattern and, for
// prefixes, the prefix length.
func pathRank(path string) (class, length int) {
	switch {
	case path == "*":
		return 2, 0
	case strings.HasSuffix(path, "*"):
		return 1, len(path) - 1
	default:
		return 0, 0
	}
}

func (r *Rule) matches(method, path string) bool {
	if r.Method == "*" {
		if len(r.Methods) > 0 && !contains(r.Methods, method) {
			return false
		}
	} else if r.Method != method {
		return false
	}

	switch {
	case r.Path == "*":
		return true
	case strings.HasSuffix(r.Path, "*"):
		return strings.HasPrefix(path, strings.TrimSuffix(r.Path, "*"))
	default:
		return r.Path == path
	}
}

// Match returns the rule that governs method and path, if any.
func (p *Policy) Match(method, path string) (*Rule, bool) {
	method = strings.ToUpper(strings.TrimSpace(method))
	path = normalize.Path(path)
	for i := range p.Rules {
		if p.Rules[i].matches(method, path) {
			return &p.Rules[i], true
		}
	}
	return nil, false
}

// TTL returns the cache lifetime for method and path.
func (p *Policy) TTL(method, path string) time.Duration {
	if rule, ok := p.Match(method, path); ok && rule.TTL != nil {
		return *rule.TTL
	}
	return p.DefaultTTL
}

// MaxBodySize returns the largest cacheable body for method and path.
func (p *Policy) MaxBodySize(method, path string) int64 {
	if rule, ok := p.Match(method, path); ok && rule.MaxBodySize != nil {
		return *rule.MaxBodySize
	}
	return p.DefaultMaxBodySize
}

// HeadersToVary returns the vary list for method and path.
func (p *Policy) HeadersToVary(method, path string) []string {
	if rule, ok := p.Match(method, path); ok && rule.HeadersToVary != nil {
		return rule.HeadersToVary
	}
	return p.DefaultHeadersToVary
}

// IsEndpointCacheable reports whether requests to method and path may be
// served from or stored in the cache. Without a matching rule only GET is.
func (p *Policy) IsEndpointCacheable(method, path string) bool {
	if rule, ok := p.Match(method, path); ok {
		return rule.Cacheable
	}
	return strings.EqualFold(strings.TrimSpace(method), "GET")
}

// ShouldCache reports whether resp may be stored, using the global body limit.
func (p *Policy) ShouldCache(resp normalize.Response) bool {
	return shouldCache(resp, p.DefaultMaxBodySize)
}

// ShouldCacheEndpoint reports whether resp may be stored for method and path,
// using the limit that applies to the endpoint.
func (p *Policy) ShouldCacheEndpoint(method, path string, resp normalize.Response) bool {
	return shouldCache(resp, p.MaxBodySize(method, path))
}

func shouldCache(resp normalize.Response, maxBodySize int64) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	for name, value := range resp.Headers {
		if !strings.EqualFold(strings.TrimSpace(name), "cache-control") {
			continue
		}
		v := strings.ToLower(value)
		if strings.Contains(v, "no-cache") || strings.Contains(v, "no-store") {
			return false
		}
	}
	return int64(len(resp.Body)) <= maxBodySize
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func upperAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
