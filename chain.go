package namesake

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const DefaultMaximumQueries = 10

// ChainResolver asks its children in order and follows CNAMEs found in the
// first successful answer.
type ChainResolver struct {
	Resolvers  []Resolver
	MaxQueries int             // queries allowed per lookup, including CNAME hops
	Timeouts   []time.Duration // schedule used when Lookup gets none
}

var _ Resolver = &ChainResolver{}

type ChainOption func(*ChainResolver)

// WithMaximumQueries sets the query budget of a single lookup.
func WithMaximumQueries(n int) ChainOption {
	return func(c *ChainResolver) {
		c.MaxQueries = n
	}
}

// WithTimeouts sets the default per-attempt timeout schedule.
func WithTimeouts(timeouts ...time.Duration) ChainOption {
	return func(c *ChainResolver) {
		c.Timeouts = append([]time.Duration(nil), timeouts...)
	}
}

// NewChainResolver returns a chain over children, tried in the given order.
func NewChainResolver(children []Resolver, opts ...ChainOption) *ChainResolver {
	c := &ChainResolver{
		Resolvers:  append([]Resolver(nil), children...),
		MaxQueries: DefaultMaximumQueries,
		Timeouts:   DefaultTimeouts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup resolves q, following CNAMEs until an answer of the requested type
// is found. The answer section of the result starts with the CNAME hops taken.
func (c *ChainResolver) Lookup(ctx context.Context, q dns.Question, timeouts []time.Duration) (as AnswerSet, err error) {
	if len(timeouts) == 0 {
		timeouts = c.timeouts()
	}
	qry := &query{
		ChainResolver: c,
		ctx:           ctx,
		timeouts:      timeouts,
		visited:       make(map[string]struct{}),
		trace:         traceFrom(ctx),
	}
	qry.trace.logf("LOOKUP %s %s %q", className(q.Qclass), typeName(q.Qtype), q.Name)
	if as, err = qry.discoverAuthority(q, c.maxQueries()); err == nil {
		qry.trace.logf("DONE %q [%s]", q.Name, formatCounts(as.Answer, as.Ns, as.Extra))
	} else {
		qry.trace.logf("FAILED %q err=%v", q.Name, err)
	}
	return
}

// queryChain issues q to each child in turn until one succeeds. If all of
// them fail the error of the last one is returned.
func (c *ChainResolver) queryChain(ctx context.Context, q dns.Question, timeouts []time.Duration) (as AnswerSet, err error) {
	err = ErrDomain
	for i, r := range c.Resolvers {
		if as, err = r.Lookup(ctx, q, timeouts); err == nil {
			return
		}
		traceFrom(ctx).logf("FALLBACK resolver=%d/%d %s %q err=%v", i+1, len(c.Resolvers), typeName(q.Qtype), q.Name, err)
		log.Debug().
			Err(err).
			Str("resolver", fmt.Sprintf("%T", r)).
			Int("index", i).
			Str("name", q.Name).
			Str("type", typeName(q.Qtype)).
			Msg("resolver failed, trying next")
	}
	return
}

func (c *ChainResolver) maxQueries() int {
	if c.MaxQueries > 0 {
		return c.MaxQueries
	}
	return DefaultMaximumQueries
}

func (c *ChainResolver) timeouts() []time.Duration {
	if len(c.Timeouts) > 0 {
		return c.Timeouts
	}
	return DefaultTimeouts
}
