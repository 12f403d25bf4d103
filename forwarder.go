package namesake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

const DefaultDNSPort = 53

// Forwarder is a Resolver that forwards questions to upstream recursive
// servers. Each entry of the timeout schedule is one attempt, and attempts
// rotate through the servers in order.
type Forwarder struct {
	proxy.ContextDialer
	mu      sync.RWMutex // protects following
	servers []netip.AddrPort
	useUDP  bool
	useIPv6 bool
}

var _ Resolver = &Forwarder{}

// NewForwarder returns a forwarder dialing servers directly.
func NewForwarder(servers ...netip.AddrPort) *Forwarder {
	return &Forwarder{
		ContextDialer: &net.Dialer{},
		servers:       append([]netip.AddrPort(nil), servers...),
		useUDP:        true,
		useIPv6:       true,
	}
}

// ParseServers parses upstream addresses; a missing port defaults to 53.
func ParseServers(addrs ...string) (servers []netip.AddrPort, err error) {
	for _, s := range addrs {
		s = strings.TrimSpace(s)
		var ap netip.AddrPort
		if ap, err = netip.ParseAddrPort(s); err != nil {
			var addr netip.Addr
			if addr, err = netip.ParseAddr(strings.Trim(s, "[]")); err != nil {
				return nil, fmt.Errorf("namesake: invalid upstream server %q: %w", s, err)
			}
			ap = netip.AddrPortFrom(addr, DefaultDNSPort)
		}
		servers = append(servers, ap)
	}
	return
}

// UseProxy makes the forwarder dial through the proxy at rawURL
// (for example "socks5://127.0.0.1:1080"). Proxied forwarders only use TCP.
func (f *Forwarder) UseProxy(rawURL string) (err error) {
	var u *url.URL
	if u, err = url.Parse(rawURL); err == nil {
		var d proxy.Dialer
		if d, err = proxy.FromURL(u, proxy.Direct); err == nil {
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return fmt.Errorf("namesake: proxy %q does not support contexts", u.Redacted())
			}
			f.mu.Lock()
			f.ContextDialer = cd
			f.useUDP = false
			f.mu.Unlock()
		}
	}
	return
}

// Servers returns the upstream servers in the order they are tried.
func (f *Forwarder) Servers() []netip.AddrPort {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]netip.AddrPort(nil), f.servers...)
}

// Lookup forwards q upstream. NXDOMAIN becomes ErrAuthoritativeDomain and
// other failure rcodes a *RcodeError; neither is retried.
func (f *Forwarder) Lookup(ctx context.Context, q dns.Question, timeouts []time.Duration) (as AnswerSet, err error) {
	if len(timeouts) == 0 {
		timeouts = DefaultTimeouts
	}
	servers := f.Servers()
	if len(servers) == 0 {
		return as, ErrNoServers
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.Name), q.Qtype)
	m.Question[0].Qclass = q.Qclass
	setEDNS(m)

	trace := traceFrom(ctx)
	var attempt int
	as, err = retry.DoWithData(func() (AnswerSet, error) {
		timeout := timeouts[attempt]
		server := servers[attempt%len(servers)]
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := f.exchange(actx, trace, m, server)
		if err != nil {
			return AnswerSet{}, err
		}
		return interpret(resp, server)
	},
		retry.Attempts(uint(len(timeouts))),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !errors.Is(err, ErrAuthoritativeDomain) && !errors.Is(err, ErrUpstreamRcode)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Uint("attempt", n+1).
				Str("name", q.Name).
				Str("type", typeName(q.Qtype)).
				Msg("upstream query failed, retrying")
		}),
	)
	return
}

func interpret(resp *dns.Msg, server netip.AddrPort) (as AnswerSet, err error) {
	switch resp.Rcode {
	case dns.RcodeSuccess:
		as = answerSetFromMsg(resp)
	case dns.RcodeNameError:
		err = ErrAuthoritativeDomain
	default:
		rcodeErr := &RcodeError{Rcode: resp.Rcode, Server: server.String()}
		err = rcodeErr
		if opt := resp.IsEdns0(); opt != nil {
			for _, o := range opt.Option {
				if ede, ok := o.(*dns.EDNS0_EDE); ok {
					err = fmt.Errorf("%w: %w", rcodeErr, ErrorFromExtendedErrorCode(ede.InfoCode))
					break
				}
			}
		}
	}
	return
}

func (f *Forwarder) exchange(ctx context.Context, trace *tracer, m *dns.Msg, server netip.AddrPort) (resp *dns.Msg, err error) {
	if resp, err = f.exchangeWithNetwork(ctx, trace, "udp", m, server); err != nil {
		if f.maybeDisableUdp(err) {
			err = nil
		}
	}
	if err == nil && (resp == nil || resp.Truncated) {
		resp, err = f.exchangeWithNetwork(ctx, trace, "tcp", m, server)
	}
	if err == nil && resp == nil {
		err = fmt.Errorf("namesake: no usable transport for %s", server)
	}
	return
}

func (f *Forwarder) exchangeWithNetwork(ctx context.Context, trace *tracer, network string, m *dns.Msg, server netip.AddrPort) (resp *dns.Msg, err error) {
	if f.usable(network, server.Addr()) {
		var dnsConn *dns.Conn
		if dnsConn, err = f.dialDNSConn(ctx, trace, network, server); err == nil {
			defer dnsConn.Close()
			if deadline, ok := ctx.Deadline(); ok {
				_ = dnsConn.SetDeadline(deadline)
			}
			question := m.Question[0]
			trace.logQuerySend(network, server, question)
			start := time.Now()
			if err = dnsConn.WriteMsg(m); err == nil {
				if resp, err = dnsConn.ReadMsg(); err == nil {
					if resp.Id != m.Id {
						return nil, dns.ErrId
					}
					trace.logQueryReceive(network, server, question, resp, time.Since(start))
				}
			}
		}
	}
	return
}

func (f *Forwarder) dialDNSConn(ctx context.Context, trace *tracer, network string, server netip.AddrPort) (dnsConn *dns.Conn, err error) {
	f.mu.RLock()
	dialer := f.ContextDialer
	f.mu.RUnlock()
	var rawConn net.Conn
	if rawConn, err = dialer.DialContext(ctx, network, server.String()); err == nil {
		dnsConn = &dns.Conn{Conn: rawConn}
		if strings.HasPrefix(network, "udp") {
			dnsConn.UDPSize = dns.DefaultMsgSize
		}
	} else {
		if server.Addr().Is6() && !server.Addr().Is4In6() {
			f.maybeDisableIPv6(err)
		}
		trace.logf("DIAL FAIL %s: @%s err=%v", formatProto(network, server.Addr()), server.String(), err)
	}
	return
}

func (f *Forwarder) usable(network string, addr netip.Addr) (yes bool) {
	yes = strings.HasPrefix(network, "tcp") || f.usingUDP()
	yes = yes && (addr.Is4() || addr.Is4In6() || f.usingIPv6())
	return
}

func setEDNS(m *dns.Msg) {
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(1232)
	m.Extra = append(m.Extra, opt)
}
