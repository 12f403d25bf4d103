// Package namesake provides a DNS proxy core: a local rule table with literal
// and regex name rewriting, a resolver chain that falls back through its
// children in order, and CNAME following over the answers they return.
// Wire format and transport use github.com/miekg/dns.
package namesake

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeouts is the per-attempt timeout schedule used when a caller
// supplies none: semi-exponential backoff summing to one minute.
var DefaultTimeouts = []time.Duration{1 * time.Second, 3 * time.Second, 11 * time.Second, 45 * time.Second}

// Resolver answers a single question.
//
// An implementation either returns the three message sections of its answer
// or fails. ErrDomain means "ask someone else", ErrAuthoritativeDomain means
// the name authoritatively does not exist.
type Resolver interface {
	Lookup(ctx context.Context, q dns.Question, timeouts []time.Duration) (AnswerSet, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, q dns.Question, timeouts []time.Duration) (AnswerSet, error)

func (f ResolverFunc) Lookup(ctx context.Context, q dns.Question, timeouts []time.Duration) (AnswerSet, error) {
	return f(ctx, q, timeouts)
}

// AnswerSet holds the answer, authority and additional sections of a response.
type AnswerSet struct {
	Answer []dns.RR
	Ns     []dns.RR
	Extra  []dns.RR
}

// Empty reports whether all three sections are empty.
func (as AnswerSet) Empty() bool {
	return len(as.Answer) == 0 && len(as.Ns) == 0 && len(as.Extra) == 0
}

func answerSetFromMsg(msg *dns.Msg) (as AnswerSet) {
	if msg != nil {
		as.Answer = append([]dns.RR(nil), msg.Answer...)
		as.Ns = append([]dns.RR(nil), msg.Ns...)
		for _, rr := range msg.Extra {
			if rr.Header().Rrtype != dns.TypeOPT {
				as.Extra = append(as.Extra, rr)
			}
		}
	}
	return
}

func typeName(qtype uint16) string {
	if name, ok := dns.TypeToString[qtype]; ok {
		return name
	}
	return strconv.Itoa(int(qtype))
}

func className(qclass uint16) string {
	if name, ok := dns.ClassToString[qclass]; ok {
		return name
	}
	return strconv.Itoa(int(qclass))
}

// canonicalName returns the key used to compare owner names.
func canonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}
