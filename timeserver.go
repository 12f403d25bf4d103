package namesake

import (
	"context"
	"net/netip"
	"sync"
	"time"
)

type serverRtt struct {
	addr netip.AddrPort
	rtt  time.Duration
}

func timeServer(ctx context.Context, f *Forwarder, wg *sync.WaitGroup, st *serverRtt) {
	defer wg.Done()
	const numProbes = 3
	network := "tcp4"
	if addr := st.addr.Addr(); addr.Is6() && !addr.Is4In6() {
		network = "tcp6"
	}
	f.mu.RLock()
	dialer := f.ContextDialer
	f.mu.RUnlock()
	st.rtt = time.Hour
	var rtt time.Duration
	for i := 0; i < numProbes; i++ {
		now := time.Now()
		conn, err := dialer.DialContext(ctx, network, st.addr.String())
		if err != nil {
			return
		}
		rtt += time.Since(now)
		_ = conn.Close()
	}
	st.rtt = rtt / numProbes
}
