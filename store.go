package namesake

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const DefaultTTL = 300

// StoreResolver answers Internet-class questions from a RuleTable.
type StoreResolver struct {
	Table *RuleTable
	TTL   uint32 // TTL of synthesized records
}

var _ Resolver = &StoreResolver{}

// NewStoreResolver returns a resolver backed by table.
func NewStoreResolver(table *RuleTable) *StoreResolver {
	return &StoreResolver{Table: table, TTL: DefaultTTL}
}

// Lookup fails with ErrDomain if no rule matches, and with
// ErrAuthoritativeDomain if the matching rule has an empty payload.
func (s *StoreResolver) Lookup(ctx context.Context, q dns.Question, _ []time.Duration) (as AnswerSet, err error) {
	err = ErrDomain
	if q.Qclass == dns.ClassINET {
		if res, ok := s.Table.Match(strings.TrimSuffix(q.Name, "."), q.Qtype); ok {
			traceFrom(ctx).logf("RULE %s %q => %s %q", typeName(q.Qtype), q.Name, typeName(res.Type), res.Payload)
			if res.Payload == "" {
				err = ErrAuthoritativeDomain
			} else {
				var rr dns.RR
				if rr, err = s.record(q, res); err == nil {
					as.Answer = []dns.RR{rr}
				}
			}
		}
	}
	return
}

func (s *StoreResolver) record(q dns.Question, res MatchResult) (rr dns.RR, err error) {
	hdr := dns.RR_Header{Name: dns.Fqdn(q.Name), Rrtype: res.Type, Class: q.Qclass, Ttl: s.TTL}
	if !payloadValid(res.Type, res.Payload) {
		return nil, &PayloadError{Type: res.Type, Payload: res.Payload}
	}
	switch res.Type {
	case dns.TypeA:
		rr = &dns.A{Hdr: hdr, A: net.ParseIP(res.Payload).To4()}
	case dns.TypeAAAA:
		rr = &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(res.Payload).To16()}
	case dns.TypeCNAME:
		rr = &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(res.Payload)}
	}
	return
}
