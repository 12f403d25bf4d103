package namesake

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// OrderServers sorts the upstream servers by their current TCP connect latency
// and removes those that don't respond within cutoff. If none respond the
// list is left unchanged.
func (f *Forwarder) OrderServers(ctx context.Context, cutoff time.Duration) {
	if _, ok := ctx.Deadline(); !ok {
		newctx, cancel := context.WithTimeout(ctx, cutoff*2)
		defer cancel()
		ctx = newctx
	}
	var l []*serverRtt
	var wg sync.WaitGroup
	for _, addr := range f.Servers() {
		st := &serverRtt{addr: addr}
		l = append(l, st)
		wg.Add(1)
		go timeServer(ctx, f, &wg, st)
	}
	wg.Wait()
	sort.SliceStable(l, func(i, j int) bool { return l[i].rtt < l[j].rtt })
	var newServers []netip.AddrPort
	for _, st := range l {
		if st.rtt <= cutoff {
			newServers = append(newServers, st.addr)
		} else {
			log.Warn().Str("server", st.addr.String()).Msg("upstream did not respond in time, dropping")
		}
	}
	if len(newServers) > 0 {
		f.mu.Lock()
		f.servers = newServers
		f.mu.Unlock()
	}
}
