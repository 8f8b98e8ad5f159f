/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver issues DNS queries to the configured upstream peers and
// returns decoded answer sets. Secondaries and caching zones use it for
// SOA polling, AXFR and on-demand fetches.
type Resolver interface {
	Query(qname string, qtype uint16) ([]dns.RR, error)
	Transfer(zone string) ([]dns.RR, error)
}

type UpstreamResolver struct {
	Servers []string // host:port
	Client  *dns.Client
	Timeout time.Duration
}

func NewUpstreamResolver(servers []string) *UpstreamResolver {
	timeout := 5 * time.Second
	return &UpstreamResolver{
		Servers: servers,
		Timeout: timeout,
		Client:  &dns.Client{Timeout: timeout},
	}
}

func hostPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

// Query tries each upstream in order and returns the answer section of
// the first response with a useful Rcode. NXDOMAIN yields an empty
// answer, not an error: the caller treats "upstream says gone" and
// "upstream answered empty" the same way.
func (r *UpstreamResolver) Query(qname string, qtype uint16) ([]dns.RR, error) {
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("Query: no upstream servers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), qtype)
	msg.SetEdns0(MaxUDPSize, false)

	var lasterr error
	for _, server := range r.Servers {
		resp, _, err := r.Client.Exchange(msg, hostPort(server))
		if err != nil {
			lasterr = err
			continue
		}
		if resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: r.Timeout}
			resp, _, err = tcp.Exchange(msg, hostPort(server))
			if err != nil {
				lasterr = err
				continue
			}
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			lasterr = fmt.Errorf("upstream %s: %s for %s %s", server,
				dns.RcodeToString[resp.Rcode], qname, dns.TypeToString[qtype])
		}
	}
	return nil, fmt.Errorf("Query: all upstreams failed for %s %s: %v",
		qname, dns.TypeToString[qtype], lasterr)
}

// Transfer performs a full AXFR of zone from the first upstream that
// serves it and returns all records between (and excluding) the SOA pair.
func (r *UpstreamResolver) Transfer(zone string) ([]dns.RR, error) {
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("Transfer: no upstream servers configured")
	}

	msg := new(dns.Msg)
	msg.SetAxfr(dns.Fqdn(zone))

	var lasterr error
	for _, server := range r.Servers {
		transfer := &dns.Transfer{}
		envch, err := transfer.In(msg, hostPort(server))
		if err != nil {
			lasterr = err
			continue
		}

		var rrs []dns.RR
		failed := false
		for envelope := range envch {
			if envelope.Error != nil {
				log.Printf("Transfer: zone %s from %s: %v", zone, server, envelope.Error)
				lasterr = envelope.Error
				failed = true
				break
			}
			for _, rr := range envelope.RR {
				if rr.Header().Rrtype == dns.TypeSOA {
					continue
				}
				rrs = append(rrs, rr)
			}
		}
		if !failed {
			return rrs, nil
		}
	}
	return nil, fmt.Errorf("Transfer: all upstreams failed for %s: %v", zone, lasterr)
}
