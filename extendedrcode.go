package namesake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/miekg/dns"
)

// Extended DNS Error codes (RFC 8914) attached to SERVFAIL replies.

type extendedErrorCodeError uint16

func (e extendedErrorCodeError) Error() string {
	if s, ok := dns.ExtendedErrorCodeToString[uint16(e)]; ok {
		return fmt.Sprintf("extended rcode %v (%s)", uint16(e), s)
	}
	return fmt.Sprintf("extended rcode %v", uint16(e))
}

func (e extendedErrorCodeError) Is(err error) bool {
	return err == ErrExtendedErrorCode
}

var ErrExtendedErrorCode = extendedErrorCodeError(0)

var rcodesToErrors = map[uint16]error{
	dns.ExtendedErrorCodeNotReady:             io.ErrNoProgress,
	dns.ExtendedErrorCodeProhibited:           os.ErrPermission,
	dns.ExtendedErrorCodeNoReachableAuthority: os.ErrDeadlineExceeded,
	dns.ExtendedErrorCodeNetworkError:         net.ErrClosed,
	dns.ExtendedErrorCodeInvalidData:          os.ErrInvalid,
}

// ExtendedErrorCodeFromError maps a lookup failure to an Extended DNS Error code.
// Resolver errors are mapped first, then well-known errors from the os, io and
// net packages. It returns dns.ExtendedErrorCodeOther if no mapping is known.
func ExtendedErrorCodeFromError(err error) (rcode uint16) {
	rcode = dns.ExtendedErrorCodeOther
	if err != nil {
		var rcodeErr extendedErrorCodeError
		if errors.As(err, &rcodeErr) {
			return uint16(rcodeErr)
		}
		if errors.Is(err, ErrQueryLimit) || errors.Is(err, ErrCNAMECycle) {
			return dns.ExtendedErrorCodeOther
		}
		if errors.Is(err, ErrDomain) || errors.Is(err, ErrNoServers) {
			return dns.ExtendedErrorCodeNoReachableAuthority
		}
		var payloadErr *PayloadError
		if errors.As(err, &payloadErr) {
			return dns.ExtendedErrorCodeInvalidData
		}

		for code, sample := range rcodesToErrors {
			if errors.Is(err, sample) {
				return code
			}
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return dns.ExtendedErrorCodeNoReachableAuthority
		}
		if errors.Is(err, dns.ErrId) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrShortBuffer) {
			return dns.ExtendedErrorCodeInvalidData
		}
		if errors.Is(err, io.ErrClosedPipe) {
			return dns.ExtendedErrorCodeNetworkError
		}

		var unknownNet net.UnknownNetworkError
		if errors.As(err, &unknownNet) {
			return dns.ExtendedErrorCodeNetworkError
		}
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) {
			return dns.ExtendedErrorCodeInvalidData
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			switch {
			case dnsErr.IsTimeout, dnsErr.IsNotFound:
				return dns.ExtendedErrorCodeNoReachableAuthority
			case dnsErr.IsTemporary:
				return dns.ExtendedErrorCodeNotReady
			default:
				return dns.ExtendedErrorCodeNetworkError
			}
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return dns.ExtendedErrorCodeNoReachableAuthority
			}
			return dns.ExtendedErrorCodeNetworkError
		}
	}
	return
}

// ErrorFromExtendedErrorCode returns the canonical Go error for the provided
// Extended Error Code. It returns an error matching ErrExtendedErrorCode if
// there is no known mapping.
func ErrorFromExtendedErrorCode(code uint16) (err error) {
	var ok bool
	if err, ok = rcodesToErrors[code]; !ok {
		err = extendedErrorCodeError(code)
	}
	return
}
