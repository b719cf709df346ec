// SPDX-License-Identifier: AGPL3.0-or-later

// Package seed discovers bootstrap candidates through DNS: a mesh
// operator publishes TXT records of the form "host:port" (or bare
// addresses, paired with a default port) under a well-known domain,
// and joining nodes resolve that domain instead of being handed a
// first contact out of band.
package seed

import (
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/bfix/gospel/logger"
	"github.com/miekg/dns"

	"meshnet/typed"
)

// Error codes for seed discovery.
var (
	ErrDNSTimedOut = errors.New("seed: query timed out (DNS)")
	ErrNoSeeds     = errors.New("seed: no usable seed records")
	ErrAllFailed   = errors.New("seed: every candidate rejected the connection")
)

const dnsRetries = 5

// Candidate is one potential first contact.
type Candidate struct {
	Addr net.IP
	Port uint16
}

// Resolve queries domain's TXT and A records at the given DNS server
// (8.8.8.8 if nil) and returns the bootstrap candidates found. TXT
// entries override the default port; plain A records use it.
func Resolve(domain string, server net.IP, defaultPort uint16) ([]Candidate, error) {
	if server == nil {
		server = net.IPv4(8, 8, 8, 8)
	}
	txts, err := query(domain, server, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, rr := range txts {
		if txt, ok := rr.(*dns.TXT); ok {
			entries = append(entries, txt.Txt...)
		}
	}
	out := ParseTXT(entries, defaultPort)

	// plain address records supplement the explicit TXT entries
	if addrs, err := query(domain, server, dns.TypeA); err == nil {
		for _, rr := range addrs {
			if a, ok := rr.(*dns.A); ok {
				out = append(out, Candidate{Addr: a.A, Port: defaultPort})
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSeeds
	}
	return out, nil
}

// query performs one DNS lookup in a retry loop.
func query(name string, server net.IP, qtype uint16) ([]dns.RR, error) {
	m := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			RecursionDesired: true,
			Opcode:           dns.OpcodeQuery,
		},
		Question: []dns.Question{{
			Name:   dns.Fqdn(name),
			Qtype:  qtype,
			Qclass: dns.ClassINET,
		}},
	}
	for retry := 0; retry < dnsRetries; retry++ {
		m.Id = dns.Id()
		in, err := dns.Exchange(m, net.JoinHostPort(server.String(), "53"))
		if err != nil {
			if strings.HasSuffix(err.Error(), "i/o timeout") {
				logger.Printf(logger.WARN, "[seed] query timed out -- retrying (%d/%d)", retry+1, dnsRetries)
				continue
			}
			return nil, err
		}
		if in == nil {
			return nil, ErrNoSeeds
		}
		return in.Answer, nil
	}
	return nil, ErrDNSTimedOut
}

// ParseTXT turns published TXT entries into candidates. Each entry is
// "host:port" or a bare host; unparsable entries are skipped with a
// warning so one bad record cannot poison the whole seed set.
func ParseTXT(entries []string, defaultPort uint16) []Candidate {
	var out []Candidate
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(e)
		port := defaultPort
		if err != nil {
			host = e
		} else {
			p, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				logger.Printf(logger.WARN, "[seed] bad port in seed record %q", e)
				continue
			}
			port = uint16(p)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			logger.Printf(logger.WARN, "[seed] bad address in seed record %q", e)
			continue
		}
		out = append(out, Candidate{Addr: ip, Port: port})
	}
	return out
}

// Bootstrap resolves domain and joins the mesh through the first
// candidate that accepts the connection.
func Bootstrap(n *typed.Network, domain string, server net.IP, defaultPort uint16) error {
	cands, err := Resolve(domain, server, defaultPort)
	if err != nil {
		return err
	}
	for _, c := range cands {
		if err := n.SyncConnect(c.Addr, c.Port); err != nil {
			logger.Printf(logger.WARN, "[seed] contact %s:%d failed: %s", c.Addr, c.Port, err)
			continue
		}
		logger.Printf(logger.INFO, "[seed] joined mesh via %s:%d", c.Addr, c.Port)
		return nil
	}
	return ErrAllFailed
}
