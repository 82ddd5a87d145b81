// File: gate/ipfilter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CIDR-aware client-IP allowlist. An enabled filter with an empty list
// denies everything: misconfiguration fails closed.

package gate

import (
	"fmt"
	"net"
	"strings"
)

// IPDecision is the outcome of an allowlist check.
type IPDecision int

const (
	IPAllowed IPDecision = iota
	IPDenied
	IPInvalid
)

// IPFilter matches client addresses against literal IPs and CIDRs.
type IPFilter struct {
	enabled bool
	nets    []*net.IPNet
}

// NewIPFilter parses entries (v4/v6 literals or CIDRs). Literal IPs are
// widened to /32 or /128.
func NewIPFilter(enabled bool, entries []string) (*IPFilter, error) {
	f := &IPFilter{enabled: enabled}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(e); err == nil {
			f.nets = append(f.nets, cidr)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("ip_whitelist entry %q is not a valid IP or CIDR", e)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		mask := net.CIDRMask(bits, bits)
		f.nets = append(f.nets, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return f, nil
}

// Check decides for a client address string (no port).
func (f *IPFilter) Check(clientIP string) IPDecision {
	if !f.enabled {
		return IPAllowed
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return IPInvalid
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return IPAllowed
		}
	}
	return IPDenied
}

// Enabled reports whether the filter participates in the gate pipeline.
func (f *IPFilter) Enabled() bool { return f.enabled }
