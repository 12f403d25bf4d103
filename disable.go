package namesake

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
)

func (f *Forwarder) usingUDP() (yes bool) {
	f.mu.RLock()
	yes = f.useUDP
	f.mu.RUnlock()
	return
}

func (f *Forwarder) usingIPv6() (yes bool) {
	f.mu.RLock()
	yes = f.useIPv6
	f.mu.RUnlock()
	return
}

// maybeDisableIPv6 stops using IPv6 upstreams if err says the network can't
// reach them at all.
func (f *Forwarder) maybeDisableIPv6(err error) (disabled bool) {
	if err != nil {
		errstr := err.Error()
		if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) ||
			strings.Contains(errstr, "network is unreachable") || strings.Contains(errstr, "no route to host") {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.useIPv6 {
				var idx int
				for i := range f.servers {
					if addr := f.servers[i].Addr(); addr.Is4() || addr.Is4In6() {
						f.servers[idx] = f.servers[i]
						idx++
					}
				}
				// keep IPv6 servers if they are all we have
				if idx > 0 {
					disabled = true
					f.useIPv6 = false
					f.servers = f.servers[:idx]
					log.Warn().Err(err).Msg("IPv6 unreachable, dropping IPv6 upstreams")
				}
			}
		}
	}
	return
}

// maybeDisableUdp switches to TCP only if the host can't do UDP.
func (f *Forwarder) maybeDisableUdp(err error) (disabled bool) {
	var ne net.Error
	if errors.As(err, &ne) && !ne.Timeout() {
		errstr := err.Error()
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPROTONOSUPPORT) || strings.Contains(errstr, "network not implemented") {
			f.mu.Lock()
			defer f.mu.Unlock()
			disabled = f.useUDP
			f.useUDP = false
			if disabled {
				log.Warn().Err(err).Msg("UDP unavailable, using TCP for upstreams")
			}
		}
	}
	return
}
