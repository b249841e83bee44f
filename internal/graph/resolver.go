package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver performs PTR lookups for hostname enrichment. Modeled on
// ap.dns4d's upstream-query pattern (miekg/dns's dns.Client.Exchange
// against a constructed dns.Msg) rather than net.LookupAddr, so the
// resolver address and timeout are explicit and the resolver itself is
// swappable in tests. Each lookup sends a single query; there is no retry.
type Resolver struct {
	Server  string // "host:port", e.g. "127.0.0.1:53"
	Timeout time.Duration
}

// NewResolver builds a Resolver pointed at server with a sensible default
// timeout.
func NewResolver(server string) *Resolver {
	return &Resolver{Server: server, Timeout: 2 * time.Second}
}

// PTR resolves addr's reverse DNS name, returning "" (not an error) on
// NXDOMAIN or any other non-fatal lookup failure, since hostname enrichment
// is best-effort and must never block the Writer's upsert.
func (r *Resolver) PTR(ctx context.Context, addr string) (string, error) {
	if r == nil || r.Server == "" {
		return "", nil
	}

	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("building reverse address for %s: %w", addr, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: r.Timeout}
	deadline, ok := ctx.Deadline()
	if ok {
		if remaining := time.Until(deadline); remaining < client.Timeout {
			client.Timeout = remaining
		}
	}

	resp, _, err := client.Exchange(msg, r.Server)
	if err != nil {
		return "", nil
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return "", nil
	}

	for _, ans := range resp.Answer {
		if ptr, ok := ans.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", nil
}
