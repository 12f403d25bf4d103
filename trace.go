package namesake

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type traceKey struct{}

type tracer struct {
	mu     sync.Mutex
	writer io.Writer
	start  time.Time
	depth  int
}

// WithTrace returns a context that makes resolvers write a human readable
// trace of every step of a lookup to w.
func WithTrace(ctx context.Context, w io.Writer) context.Context {
	if w == nil {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, &tracer{writer: w, start: time.Now()})
}

func traceFrom(ctx context.Context) (t *tracer) {
	if ctx != nil {
		t, _ = ctx.Value(traceKey{}).(*tracer)
	}
	return
}

func (t *tracer) dive() {
	if t != nil {
		t.mu.Lock()
		t.depth++
		t.mu.Unlock()
	}
}

func (t *tracer) surface() {
	if t != nil {
		t.mu.Lock()
		t.depth--
		t.mu.Unlock()
	}
}

func (t *tracer) logf(format string, args ...any) {
	if t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		elapsed := time.Since(t.start).Milliseconds()
		indent := strings.Repeat("  ", t.depth)
		_, _ = fmt.Fprintf(t.writer, "[%6dms] %s%s\n", elapsed, indent, fmt.Sprintf(format, args...))
	}
}

func (t *tracer) logQuerySend(network string, server netip.AddrPort, question dns.Question) {
	t.logf("SENDING  %s: @%s %s %q", formatProto(network, server.Addr()), server.String(), typeName(question.Qtype), question.Name)
}

func (t *tracer) logQueryReceive(network string, server netip.AddrPort, question dns.Question, resp *dns.Msg, dur time.Duration) {
	if resp != nil {
		var flag string
		if resp.Authoritative {
			flag = " AUTH"
		}
		t.logf("RECEIVED %s: @%s %s %q => %s [%s] (%s, %d bytes%s)",
			formatProto(network, server.Addr()),
			server.String(),
			typeName(question.Qtype),
			question.Name,
			dns.RcodeToString[resp.Rcode],
			formatCounts(resp.Answer, resp.Ns, resp.Extra),
			formatDuration(dur),
			resp.Len(),
			flag,
		)
	}
}

func formatProto(network string, addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		return network + "4"
	}
	if addr.Is6() {
		return network + "6"
	}
	return network
}

func formatCounts(answer, ns, extra []dns.RR) string {
	return fmt.Sprintf("%d+%d+%d A/N/E", len(answer), len(ns), len(extra))
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0ms"
	}
	ms := d.Milliseconds()
	if ms == 0 {
		return "<1ms"
	}
	return fmt.Sprintf("%dms", ms)
}
