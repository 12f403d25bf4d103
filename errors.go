package namesake

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/miekg/dns"
)

var (
	// ErrDomain means the resolver has no answer and the next one should be asked.
	ErrDomain = errors.New("namesake: domain error")
	// ErrAuthoritativeDomain means the name is authoritatively absent.
	ErrAuthoritativeDomain = errors.New("namesake: authoritative domain error")
	ErrCNAMECycle          = errors.New("namesake: cycle in CNAME processing")
	ErrQueryLimit          = errors.New("namesake: query limit exceeded")
	ErrUpstreamRcode       = errors.New("namesake: upstream failure rcode")
	ErrNoServers           = errors.New("namesake: no upstream servers")
)

type errQueryLimit struct {
	limit int
}

func (e errQueryLimit) Error() string {
	return "namesake: query limit exceeded (" + strconv.Itoa(e.limit) + " queries)"
}

func (e errQueryLimit) Is(target error) bool {
	return target == ErrQueryLimit
}

func (e errQueryLimit) Unwrap() error {
	return ErrQueryLimit
}

// ConfigError reports a rule that could not be constructed.
type ConfigError struct {
	Rule string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("namesake: invalid rule %q: %v", e.Rule, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// RcodeError is returned when an upstream answers with a failure rcode
// other than NXDOMAIN.
type RcodeError struct {
	Rcode  int
	Server string
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("namesake: upstream %s answered %s", e.Server, dns.RcodeToString[e.Rcode])
}

func (e *RcodeError) Is(target error) bool {
	return target == ErrUpstreamRcode
}

// PayloadError is returned when a matched rule produced a payload that is not
// valid for its record type.
type PayloadError struct {
	Type    uint16
	Payload string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("namesake: payload %q is not valid for %s", e.Payload, typeName(e.Type))
}
