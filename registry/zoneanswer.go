/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
)

func (zd *ZoneData) transferAllowed(peer net.IP) bool {
	for _, allowed := range zd.Conf.AllowTransfer {
		if ip := net.ParseIP(allowed); ip != nil && ip.Equal(peer) {
			return true
		}
	}
	return false
}

// Answer resolves one question against this zone and fills the reply.
// matches is true when the qname equals the zone root (as opposed to a
// name below it). The return value is the RCODE for this question.
func (zd *ZoneData) Answer(matches bool, q dns.Question, reply *dns.Msg, peer net.IP) int {
	reply.Authoritative = zd.Role != Caching
	reply.RecursionAvailable = zd.Role == Caching

	switch q.Qtype {
	case dns.TypeAXFR:
		if !matches || zd.Role == Caching || !zd.transferAllowed(peer) {
			log.Printf("Zone %s: refusing AXFR from %s", zd.ZoneName, peer)
			return dns.RcodeRefused
		}
		soa := zd.SOARecord()
		reply.Answer = append(reply.Answer, soa)
		err := zd.Store.Apply(zd.ZoneName, func(pk PublicKey, rrs []dns.RR) error {
			reply.Answer = append(reply.Answer, rrs...)
			return nil
		})
		if err != nil {
			log.Printf("Zone %s: AXFR enumeration failed: %v", zd.ZoneName, err)
			return dns.RcodeServerFailure
		}
		reply.Answer = append(reply.Answer, soa)
		return dns.RcodeSuccess

	case dns.TypeSOA:
		if matches {
			reply.Answer = append(reply.Answer, zd.SOARecord())
		} else {
			reply.Ns = append(reply.Ns, zd.SOARecord())
		}
		return dns.RcodeSuccess

	case dns.TypeNS:
		if !matches {
			return dns.RcodeRefused
		}
		reply.Answer = append(reply.Answer, zd.NSRecord())
		return dns.RcodeSuccess
	}

	// A name below the apex: the leftmost label (after any service/proto
	// labels) must be a public key.
	pk, err := KeyFromQname(q.Name)
	if err != nil {
		log.Printf("Zone %s: bad key label in %q: %v", zd.ZoneName, q.Name, err)
		return dns.RcodeFormatError
	}

	rrs, err := zd.lookupRecords(pk, q.Qtype)
	if err != nil {
		log.Printf("Zone %s: lookup %s %s: %v", zd.ZoneName, pk, dns.TypeToString[q.Qtype], err)
		return dns.RcodeServerFailure
	}
	if len(rrs) == 0 {
		return dns.RcodeNameError
	}

	reply.Answer = append(reply.Answer, rrs...)
	if zd.Role != Caching {
		reply.Ns = append(reply.Ns, zd.SOARecord())
	}
	return dns.RcodeSuccess
}

// lookupRecords reads the records for (pk, qtype) with the RFC 1034
// §3.6.2 fallback: a miss on any non-CNAME type retries as CNAME. On a
// caching zone a local miss triggers an upstream fetch-and-install.
func (zd *ZoneData) lookupRecords(pk PublicKey, qtype uint16) ([]dns.RR, error) {
	if qtype == dns.TypeANY {
		var all []dns.RR
		for _, rtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeURI} {
			rrs, err := zd.Store.Records(pk, rtype, zd.ZoneName)
			if err != nil {
				return nil, err
			}
			all = append(all, rrs...)
		}
		if len(all) == 0 && zd.Role == Caching {
			return zd.getAndCacheRecords(pk, dns.TypeURI)
		}
		return all, nil
	}

	rrs, err := zd.Store.Records(pk, qtype, zd.ZoneName)
	if err != nil {
		return nil, err
	}
	if len(rrs) == 0 && qtype != dns.TypeCNAME {
		rrs, err = zd.Store.Records(pk, dns.TypeCNAME, zd.ZoneName)
		if err != nil {
			return nil, err
		}
	}
	if len(rrs) == 0 && zd.Role == Caching {
		return zd.getAndCacheRecords(pk, qtype)
	}
	return rrs, nil
}

// getAndCacheRecords asks upstream for the missing records and installs
// them with a TTL deadline before answering.
func (zd *ZoneData) getAndCacheRecords(pk PublicKey, qtype uint16) ([]dns.RR, error) {
	qname := KeyName(pk, zd.ZoneName)
	if qtype == dns.TypeURI {
		qname = URIName(pk, zd.ZoneName)
	}

	rrs, err := zd.Resolver.Query(qname, qtype)
	if err != nil {
		log.Printf("getAndCacheRecords: zone %s: %s %s: %v",
			zd.ZoneName, qname, dns.TypeToString[qtype], err)
		return nil, nil
	}
	if len(rrs) == 0 && qtype != dns.TypeCNAME && qtype != dns.TypeURI {
		if cnames, err := zd.Resolver.Query(qname, dns.TypeCNAME); err == nil && len(cnames) > 0 {
			rrs = cnames
			qtype = dns.TypeCNAME
		}
	}
	if len(rrs) == 0 {
		return nil, nil
	}

	now := time.Now()
	if err := zd.installCached(pk, qtype, rrs, now); err != nil {
		log.Printf("getAndCacheRecords: zone %s: install %s: %v", zd.ZoneName, pk, err)
	}
	zd.setTTLTimer()
	return rrs, nil
}
