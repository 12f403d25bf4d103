package namesake

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// query is the state of one top-level lookup.
type query struct {
	*ChainResolver
	ctx      context.Context
	timeouts []time.Duration
	visited  map[string]struct{} // owner names seen across all hops
	trace    *tracer
}

// discoverAuthority issues question to the chain and follows CNAMEs in the
// response. queriesLeft counts this query.
func (q *query) discoverAuthority(question dns.Question, queriesLeft int) (as AnswerSet, err error) {
	if queriesLeft <= 0 {
		return as, errQueryLimit{limit: q.maxQueries()}
	}
	q.trace.dive()
	defer q.trace.surface()
	q.trace.logf("QUERY %s %q queries_left=%d", typeName(question.Qtype), question.Name, queriesLeft)
	var resp AnswerSet
	if resp, err = q.queryChain(q.ctx, question, q.timeouts); err == nil {
		as, err = q.discoveredAuthority(resp, question, queriesLeft-1)
	}
	return
}

// discoveredAuthority interprets resp, the answer to question. CNAMEs are
// followed inside resp while it has records for the target; otherwise the
// target is queried and the hops taken so far are prepended to its answer.
func (q *query) discoveredAuthority(resp AnswerSet, question dns.Question, queriesLeft int) (AnswerSet, error) {
	records := make(map[string][]dns.RR)
	for _, rr := range resp.Answer {
		owner := canonicalName(rr.Header().Name)
		records[owner] = append(records[owner], rr)
	}

	origin := canonicalName(question.Name)
	name := origin
	var hops []dns.RR
	for {
		q.visited[name] = struct{}{}
		answer, cname := findAnswerOrCNAME(records[name], question.Qtype, question.Qclass)
		switch {
		case answer != nil:
			return resp, nil
		case cname == nil:
			if name == origin {
				// No answer for the question itself; this may be a delegation.
				q.trace.logf("NOANSWER %q [%s]", question.Name, formatCounts(resp.Answer, resp.Ns, resp.Extra))
				return resp, nil
			}
			return AnswerSet{}, ErrDomain
		}

		target := canonicalName(cname.Target)
		if _, seen := q.visited[target]; seen {
			q.trace.logf("CYCLE %q -> %q", cname.Hdr.Name, cname.Target)
			return AnswerSet{}, ErrCNAMECycle
		}
		hops = append(hops, cname)
		q.trace.logf("CNAME %q -> %q", cname.Hdr.Name, cname.Target)
		if len(records[target]) == 0 {
			next := dns.Question{Name: dns.Fqdn(cname.Target), Qtype: question.Qtype, Qclass: question.Qclass}
			nested, err := q.discoverAuthority(next, queriesLeft)
			if err != nil {
				return AnswerSet{}, err
			}
			nested.Answer = append(append([]dns.RR(nil), hops...), nested.Answer...)
			return nested, nil
		}
		name = target
	}
}

// findAnswerOrCNAME returns the record of qtype in rrs, or failing that the
// last CNAME record. Only records of class qclass are considered.
func findAnswerOrCNAME(rrs []dns.RR, qtype, qclass uint16) (answer dns.RR, cname *dns.CNAME) {
	for _, rr := range rrs {
		if hdr := rr.Header(); hdr.Class == qclass {
			if hdr.Rrtype == qtype {
				return rr, nil
			}
			if c, ok := rr.(*dns.CNAME); ok {
				cname = c
			}
		}
	}
	return
}
