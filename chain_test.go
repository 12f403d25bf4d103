package namesake

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func rrStrings(rrs []dns.RR) (out []string) {
	for _, rr := range rrs {
		out = append(out, rr.String())
	}
	return
}

// scriptedResolver answers from a fixed table of responses keyed by owner name
// and records every question it is asked.
type scriptedResolver struct {
	mu        sync.Mutex
	responses map[string]AnswerSet
	err       error
	calls     []dns.Question
	timeouts  [][]time.Duration
}

func newScripted(t *testing.T, responses map[string][]string) *scriptedResolver {
	t.Helper()
	s := &scriptedResolver{responses: make(map[string]AnswerSet)}
	for name, rrs := range responses {
		var as AnswerSet
		for _, rr := range rrs {
			as.Answer = append(as.Answer, mustRR(t, rr))
		}
		s.responses[canonicalName(name)] = as
	}
	return s
}

func (s *scriptedResolver) Lookup(_ context.Context, q dns.Question, timeouts []time.Duration) (AnswerSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, q)
	s.timeouts = append(s.timeouts, timeouts)
	if s.err != nil {
		return AnswerSet{}, s.err
	}
	as, ok := s.responses[canonicalName(q.Name)]
	if !ok {
		return AnswerSet{}, ErrDomain
	}
	as.Answer = append([]dns.RR(nil), as.Answer...)
	return as, nil
}

func (s *scriptedResolver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func failing(err error) *scriptedResolver {
	return &scriptedResolver{err: err}
}

func TestChainFollowsCNAMEInsideResponse(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example.", "b.example. 60 IN A 1.2.3.4"},
	})
	chain := NewChainResolver([]Resolver{upstream})

	as, err := chain.Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		mustRR(t, "a.example. 60 IN CNAME b.example.").String(),
		mustRR(t, "b.example. 60 IN A 1.2.3.4").String(),
	}, rrStrings(as.Answer))
	assert.Equal(t, 1, upstream.callCount())
}

func TestChainFollowsCNAMEWithNewQuery(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example.", "b.example. 60 IN CNAME c.example."},
		"c.example.": {"c.example. 60 IN A 1.2.3.4"},
	})
	chain := NewChainResolver([]Resolver{upstream})

	as, err := chain.Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		mustRR(t, "a.example. 60 IN CNAME b.example.").String(),
		mustRR(t, "b.example. 60 IN CNAME c.example.").String(),
		mustRR(t, "c.example. 60 IN A 1.2.3.4").String(),
	}, rrStrings(as.Answer))
	require.Equal(t, 2, upstream.callCount())
	assert.Equal(t, question("c.example", dns.TypeA), upstream.calls[1])
}

func TestChainDetectsCycleAcrossResponses(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example."},
		"b.example.": {"b.example. 60 IN CNAME a.example."},
	})
	chain := NewChainResolver([]Resolver{upstream})

	as, err := chain.Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, ErrCNAMECycle)
	assert.True(t, as.Empty())
	assert.Equal(t, 2, upstream.callCount())
}

func TestChainDetectsCycleInsideResponse(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example.", "b.example. 60 IN CNAME a.example."},
	})
	chain := NewChainResolver([]Resolver{upstream})

	_, err := chain.Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, ErrCNAMECycle)
	assert.Equal(t, 1, upstream.callCount())
}

func TestChainQueryLimit(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example."},
		"b.example.": {"b.example. 60 IN CNAME c.example."},
		"c.example.": {"c.example. 60 IN CNAME d.example."},
	})
	chain := NewChainResolver([]Resolver{upstream}, WithMaximumQueries(2))

	as, err := chain.Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueryLimit)
	assert.False(t, errors.Is(err, ErrCNAMECycle))
	assert.True(t, as.Empty())
	assert.Equal(t, 2, upstream.callCount())
}

func TestChainFallbackOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, RuleConfig{Pattern: "unrelated.example", Type: "A", Payload: "192.0.2.1"})
	upstream1 := failing(errors.New("upstream1 exploded"))
	upstream2 := newScripted(t, map[string][]string{
		"www.example.": {"www.example. 60 IN A 192.0.2.2"},
	})
	chain := NewChainResolver([]Resolver{store, upstream1, upstream2})

	as, err := chain.Lookup(testContext(t), question("www.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{mustRR(t, "www.example. 60 IN A 192.0.2.2").String()}, rrStrings(as.Answer))
	assert.Equal(t, 1, upstream1.callCount())
	assert.Equal(t, 1, upstream2.callCount())
}

func TestChainNegativeRuleFallsThrough(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, RuleConfig{Pattern: "blocked.example", Type: "A", Payload: ""})
	upstream := newScripted(t, map[string][]string{
		"blocked.example.": {"blocked.example. 60 IN A 192.0.2.3"},
	})

	as, err := NewChainResolver([]Resolver{store, upstream}).Lookup(testContext(t), question("blocked.example", dns.TypeA), nil)
	require.NoError(t, err)
	require.Len(t, as.Answer, 1)
	assert.Equal(t, 1, upstream.callCount())

	_, err = NewChainResolver([]Resolver{store}).Lookup(testContext(t), question("blocked.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, ErrAuthoritativeDomain)
}

func TestChainReturnsLastError(t *testing.T) {
	t.Parallel()
	first := errors.New("first")
	last := errors.New("last")
	chain := NewChainResolver([]Resolver{failing(first), failing(last)})

	_, err := chain.Lookup(testContext(t), question("x.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, last)
	assert.False(t, errors.Is(err, first))

	_, err = NewChainResolver(nil).Lookup(testContext(t), question("x.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, ErrDomain)
}

func TestChainPassesQuestionThrough(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, RuleConfig{Pattern: "local.example", Type: "AAAA", Payload: "2001:db8::1"})
	upstream := newScripted(t, nil)
	chain := NewChainResolver([]Resolver{store, upstream})

	q := dns.Question{Name: "www.Example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}
	_, _ = chain.Lookup(testContext(t), q, nil)
	require.Equal(t, 1, upstream.callCount())
	assert.Equal(t, q, upstream.calls[0])
}

func TestChainReturnsDelegationAsIs(t *testing.T) {
	t.Parallel()
	ns := mustRR(t, "example. 3600 IN NS ns1.example.")
	glue := mustRR(t, "ns1.example. 3600 IN A 192.0.2.53")
	upstream := ResolverFunc(func(context.Context, dns.Question, []time.Duration) (AnswerSet, error) {
		return AnswerSet{Ns: []dns.RR{ns}, Extra: []dns.RR{glue}}, nil
	})

	as, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("www.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Empty(t, as.Answer)
	assert.Equal(t, []dns.RR{ns}, as.Ns)
	assert.Equal(t, []dns.RR{glue}, as.Extra)
}

func TestChainLostTrailMidChain(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example.", "b.example. 60 IN AAAA 2001:db8::1"},
	})

	_, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	assert.ErrorIs(t, err, ErrDomain)
}

func TestChainPrefersExactTypeOverCNAME(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN CNAME b.example."},
	})

	as, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("a.example", dns.TypeCNAME), nil)
	require.NoError(t, err)
	require.Len(t, as.Answer, 1)
	assert.Equal(t, 1, upstream.callCount())
}

func TestChainIgnoresOtherClasses(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 CH A 1.2.3.4"},
	})

	as, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err, "no usable answer at the queried name is returned as is")
	assert.Len(t, as.Answer, 1)
}

func TestChainOwnerNamesAreCaseInsensitive(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"A.Example. 60 IN CNAME B.example.", "b.EXAMPLE. 60 IN A 1.2.3.4"},
	})

	as, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err)
	assert.Len(t, as.Answer, 2)
	assert.Equal(t, 1, upstream.callCount())
}

func TestChainTimeoutSchedule(t *testing.T) {
	t.Parallel()
	upstream := newScripted(t, map[string][]string{
		"a.example.": {"a.example. 60 IN A 1.2.3.4"},
	})

	_, err := NewChainResolver([]Resolver{upstream}).Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err)
	custom := []time.Duration{time.Second, 2 * time.Second}
	_, err = NewChainResolver([]Resolver{upstream}, WithTimeouts(custom...)).Lookup(testContext(t), question("a.example", dns.TypeA), nil)
	require.NoError(t, err)
	explicit := []time.Duration{5 * time.Second}
	_, err = NewChainResolver([]Resolver{upstream}, WithTimeouts(custom...)).Lookup(testContext(t), question("a.example", dns.TypeA), explicit)
	require.NoError(t, err)

	require.Len(t, upstream.timeouts, 3)
	assert.Equal(t, DefaultTimeouts, upstream.timeouts[0])
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 11 * time.Second, 45 * time.Second}, upstream.timeouts[0])
	assert.Equal(t, custom, upstream.timeouts[1])
	assert.Equal(t, explicit, upstream.timeouts[2])
}

func TestChainRewritesThroughUpstream(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, RuleConfig{Pattern: `/(.+)\.cnet\.com/`, Type: "CNAME", Payload: `\1.google.com`})
	upstream := newScripted(t, map[string][]string{
		"foo.google.com.": {"foo.google.com. 60 IN A 192.0.2.80"},
	})
	chain := NewChainResolver([]Resolver{store, upstream})

	var trace bytes.Buffer
	as, err := chain.Lookup(WithTrace(testContext(t), &trace), question("foo.cnet.com", dns.TypeA), nil)
	require.NoError(t, err)
	require.Len(t, as.Answer, 2)
	cname, ok := as.Answer[0].(*dns.CNAME)
	require.True(t, ok, "got %T", as.Answer[0])
	assert.Equal(t, "foo.google.com.", cname.Target)
	a, ok := as.Answer[1].(*dns.A)
	require.True(t, ok, "got %T", as.Answer[1])
	assert.Equal(t, "192.0.2.80", a.A.String())
	assert.Equal(t, []dns.Question{question("foo.google.com", dns.TypeA)}, upstream.calls)

	assert.Contains(t, trace.String(), "LOOKUP IN A \"foo.cnet.com.\"")
	assert.Contains(t, trace.String(), "CNAME \"foo.cnet.com.\" -> \"foo.google.com.\"")
	assert.Contains(t, trace.String(), "RULE")
}
