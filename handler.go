package namesake

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const ednsUDPSize = 1232

// Handler is a dns.Handler answering queries through a Resolver.
type Handler struct {
	Resolver    Resolver
	Timeouts    []time.Duration // per-attempt schedule handed to the resolver
	BaseContext context.Context // parent of every lookup; nil means context.Background
}

var _ dns.Handler = &Handler{}

func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	msg := h.Reply(ctx, r)
	if w.LocalAddr() != nil && w.LocalAddr().Network() == "udp" {
		size := dns.MinMsgSize
		if opt := r.IsEdns0(); opt != nil {
			size = max(size, int(opt.UDPSize()))
		}
		msg.Truncate(size)
	}
	if err := w.WriteMsg(msg); err != nil {
		log.Warn().Err(err).Str("remote", w.RemoteAddr().String()).Msg("failed to write DNS response")
	}
}

// Reply resolves the question in r and builds the response message.
// Authoritative negatives become NXDOMAIN, every other failure SERVFAIL.
func (h *Handler) Reply(ctx context.Context, r *dns.Msg) (msg *dns.Msg) {
	msg = new(dns.Msg)
	if r.Opcode != dns.OpcodeQuery {
		msg.SetRcode(r, dns.RcodeNotImplemented)
		return
	}
	if len(r.Question) != 1 {
		msg.SetRcode(r, dns.RcodeFormatError)
		return
	}

	q := r.Question[0]
	start := time.Now()
	as, err := h.Resolver.Lookup(ctx, q, h.Timeouts)
	switch {
	case err == nil:
		msg.SetReply(r)
		msg.Answer = as.Answer
		msg.Ns = as.Ns
		msg.Extra = as.Extra
	case errors.Is(err, ErrAuthoritativeDomain):
		msg.SetRcode(r, dns.RcodeNameError)
		msg.Authoritative = true
	default:
		msg.SetRcode(r, dns.RcodeServerFailure)
	}
	msg.RecursionAvailable = true

	if opt := r.IsEdns0(); opt != nil {
		msg.SetEdns0(ednsUDPSize, opt.Do())
		if msg.Rcode == dns.RcodeServerFailure {
			ede := &dns.EDNS0_EDE{InfoCode: ExtendedErrorCodeFromError(err), ExtraText: err.Error()}
			respOpt := msg.IsEdns0()
			respOpt.Option = append(respOpt.Option, ede)
		}
	}

	evt := log.Debug()
	if msg.Rcode == dns.RcodeServerFailure {
		evt = log.Warn().Err(err)
	}
	evt.Str("name", q.Name).
		Str("type", typeName(q.Qtype)).
		Int("answers", len(msg.Answer)).
		Str("rcode", dns.RcodeToString[msg.Rcode]).
		Dur("took", time.Since(start)).
		Msg("query")
	return
}
