package namesake

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/miekg/dns"
)

var (
	errRuleType     = errors.New("record type must be A, AAAA or CNAME")
	errRuleTemplate = errors.New("malformed payload template")
)

// RuleConfig is the configuration form of a rule. A Pattern wrapped in
// slashes ("/(.+)\.example/") is a regular expression, anything else is a
// literal name. Type is a record type mnemonic.
type RuleConfig struct {
	Pattern string `yaml:"pattern"`
	Type    string `yaml:"type"`
	Payload string `yaml:"payload"`
}

// MatchResult is the answer a rule gives for a name. An empty Payload is an
// explicit refusal.
type MatchResult struct {
	Type    uint16
	Payload string
}

// Rule is one entry of a RuleTable.
type Rule struct {
	name     string
	re       *regexp.Regexp
	Type     uint16
	Payload  string
	template string // Payload in regexp.Expand syntax, regex rules only
}

// NewRule validates and compiles a rule.
func NewRule(pattern string, rtype uint16, payload string) (r *Rule, err error) {
	r = &Rule{Type: rtype, Payload: payload}
	if err = validateType(rtype); err == nil {
		if inner, ok := regexPattern(pattern); ok {
			if r.re, err = regexp.Compile("^(?:" + inner + ")$"); err == nil {
				r.template, err = expandTemplate(payload, r.re)
			}
		} else {
			r.name = strings.TrimSuffix(pattern, ".")
			err = validatePayload(rtype, payload)
		}
	}
	if err != nil {
		return nil, &ConfigError{Rule: fmt.Sprintf("%s %s %s", pattern, typeName(rtype), payload), Err: err}
	}
	return
}

// IsRegex reports whether the rule matches names by regular expression.
func (r *Rule) IsRegex() bool {
	return r.re != nil
}

// Match returns the rule's result for a query of name and qtype.
// CNAME rules match queries of any type.
func (r *Rule) Match(name string, qtype uint16) (res MatchResult, ok bool) {
	if r.Type == qtype || r.Type == dns.TypeCNAME {
		if r.re != nil {
			if idx := r.re.FindStringSubmatchIndex(name); idx != nil {
				res = MatchResult{Type: r.Type, Payload: string(r.re.ExpandString(nil, r.template, name, idx))}
				ok = true
			}
		} else if name == r.name {
			res = MatchResult{Type: r.Type, Payload: r.Payload}
			ok = true
		}
	}
	return
}

func (r *Rule) String() string {
	pattern := r.name
	if r.re != nil {
		pattern = "/" + r.re.String() + "/"
	}
	return fmt.Sprintf("Rule(%s %s %q)", pattern, typeName(r.Type), r.Payload)
}

// RuleTable is an ordered list of rules where the first match wins.
// Rules are only ever appended; Match reads a published snapshot and
// needs no locking.
type RuleTable struct {
	rules atomic.Pointer[[]*Rule]
}

// NewRuleTable builds a table from rules in order.
func NewRuleTable(rules ...RuleConfig) (t *RuleTable, err error) {
	t = &RuleTable{}
	for _, rc := range rules {
		rtype, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(rc.Type))]
		if !ok {
			return nil, &ConfigError{Rule: fmt.Sprintf("%s %s %s", rc.Pattern, rc.Type, rc.Payload), Err: errRuleType}
		}
		if err = t.Add(rc.Pattern, rtype, rc.Payload); err != nil {
			return nil, err
		}
	}
	return
}

// Add appends a rule to the end of the table.
func (t *RuleTable) Add(pattern string, rtype uint16, payload string) (err error) {
	var r *Rule
	if r, err = NewRule(pattern, rtype, payload); err == nil {
		for {
			old := t.rules.Load()
			var next []*Rule
			if old != nil {
				next = append(next, (*old)...)
			}
			next = append(next, r)
			if t.rules.CompareAndSwap(old, &next) {
				break
			}
		}
	}
	return
}

// Match returns the result of the first rule matching name and qtype.
func (t *RuleTable) Match(name string, qtype uint16) (res MatchResult, ok bool) {
	for _, r := range t.Rules() {
		if res, ok = r.Match(name, qtype); ok {
			return
		}
	}
	return
}

// Rules returns the current rules in table order.
func (t *RuleTable) Rules() (rules []*Rule) {
	if t != nil {
		if p := t.rules.Load(); p != nil {
			rules = *p
		}
	}
	return
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	return len(t.Rules())
}

func validateType(rtype uint16) (err error) {
	switch rtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeCNAME:
	default:
		err = errRuleType
	}
	return
}

func validatePayload(rtype uint16, payload string) (err error) {
	if payload != "" {
		if !payloadValid(rtype, payload) {
			err = fmt.Errorf("payload %q is not a valid %s value", payload, typeName(rtype))
		}
	}
	return
}

func payloadValid(rtype uint16, payload string) bool {
	switch rtype {
	case dns.TypeA:
		addr, err := netip.ParseAddr(payload)
		return err == nil && addr.Is4()
	case dns.TypeAAAA:
		addr, err := netip.ParseAddr(payload)
		return err == nil && addr.Is6() && !addr.Is4In6()
	case dns.TypeCNAME:
		_, ok := dns.IsDomainName(payload)
		return ok
	}
	return false
}

func regexPattern(pattern string) (inner string, ok bool) {
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		inner, ok = pattern[1:len(pattern)-1], true
	}
	return
}

// expandTemplate rewrites a substitution template using \1 and \g<name>
// group references into regexp.Expand syntax, checking every reference
// against re.
func expandTemplate(payload string, re *regexp.Regexp) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch {
		case c == '$':
			sb.WriteString("$$")
		case c != '\\':
			sb.WriteByte(c)
		case i+1 >= len(payload):
			return "", fmt.Errorf("%w: trailing backslash", errRuleTemplate)
		default:
			i++
			c = payload[i]
			switch {
			case c >= '0' && c <= '9':
				j := i + 1
				if j < len(payload) && payload[j] >= '0' && payload[j] <= '9' {
					j++
				}
				n, _ := strconv.Atoi(payload[i:j])
				if n == 0 || n > re.NumSubexp() {
					return "", fmt.Errorf("%w: invalid group reference %d", errRuleTemplate, n)
				}
				sb.WriteString("${" + strconv.Itoa(n) + "}")
				i = j - 1
			case c == 'g':
				end := strings.IndexByte(payload[i:], '>')
				if i+1 >= len(payload) || payload[i+1] != '<' || end < 0 {
					return "", fmt.Errorf("%w: missing group name", errRuleTemplate)
				}
				ref := payload[i+2 : i+end]
				if n, err := strconv.Atoi(ref); err == nil {
					if n > re.NumSubexp() {
						return "", fmt.Errorf("%w: invalid group reference %d", errRuleTemplate, n)
					}
				} else if re.SubexpIndex(ref) < 0 {
					return "", fmt.Errorf("%w: unknown group name %q", errRuleTemplate, ref)
				}
				sb.WriteString("${" + ref + "}")
				i += end
			case c == '\\':
				sb.WriteByte('\\')
			case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
				return "", fmt.Errorf("%w: bad escape \\%c", errRuleTemplate, c)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(c)
			}
		}
	}
	return sb.String(), nil
}
