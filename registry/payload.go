/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

// Registration failures surfaced to the API caller. DNS-side failures are
// rendered as RCODEs and never use these.
var (
	ErrStaleWrite       = errors.New("sequence number older than stored registration")
	ErrSignatureInvalid = errors.New("signature verification failed")
	ErrAddressMalformed = errors.New("malformed address")
	ErrChannelInvalid   = errors.New("channel not confirmed on ledger")
	ErrNoStake          = errors.New("no stake found for public key")
)

// ClassifyAddress derives the DNS record type that the host part of a
// registered URI maps to.
func ClassifyAddress(address string) (uint16, error) {
	u, err := url.Parse(address)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrAddressMalformed, address, err)
	}
	host := u.Hostname()
	if host == "" {
		return 0, fmt.Errorf("%w: %q: no host part", ErrAddressMalformed, address)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return dns.TypeA, nil
		}
		return dns.TypeAAAA, nil
	}
	return dns.TypeCNAME, nil
}

// EnsureValidPayload checks a new registration against the previously
// stored one (may be nil) and returns the payload's dominant record type.
//
// When addresses mix A and AAAA hosts the dominant type is the LAST one
// classified. That matches the original registry's behaviour and callers
// rely on it only for the TypedPayload tag; every address still gets a
// record of its own family.
func EnsureValidPayload(new, prev *RegistrationPayload) (uint16, error) {
	if prev != nil && new.Seq < prev.Seq {
		return 0, fmt.Errorf("%w: stored seq %d, got %d", ErrStaleWrite, prev.Seq, new.Seq)
	}
	if len(new.Addresses) == 0 {
		return 0, fmt.Errorf("%w: empty address list", ErrAddressMalformed)
	}

	var kind uint16
	var cnames int
	for _, addr := range new.Addresses {
		k, err := ClassifyAddress(addr)
		if err != nil {
			return 0, err
		}
		if k == dns.TypeCNAME {
			cnames++
		}
		kind = k
	}
	// RFC 1034: a CNAME may not coexist with any other record.
	if cnames > 0 && len(new.Addresses) > 1 {
		return 0, fmt.Errorf("%w: CNAME cannot coexist with other addresses", ErrAddressMalformed)
	}
	return kind, nil
}

// KeyName returns the owner name of the A/AAAA/CNAME records for pk in zone.
func KeyName(pk PublicKey, zone string) string {
	return pk.String() + "." + dns.Fqdn(zone)
}

// URIName returns the owner name of the URI record for pk in zone.
func URIName(pk PublicKey, zone string) string {
	return ServiceLabel + "." + ProtoLabel + "." + KeyName(pk, zone)
}

// KeyFromQname extracts the public key from the leftmost label of qname,
// stripping the optional service/proto labels first.
func KeyFromQname(qname string) (PublicKey, error) {
	labels := dns.SplitDomainName(qname)
	for len(labels) > 0 && strings.HasPrefix(labels[0], "_") {
		labels = labels[1:]
	}
	if len(labels) == 0 {
		return "", fmt.Errorf("no key label in %q", qname)
	}
	return ParsePublicKey(labels[0])
}

// ToRRs projects a typed payload into the records DNS serves for it: one
// A/AAAA/CNAME per address at the key name, plus one URI record per
// address at the _agora._tcp name carrying the full URI.
func (tp *TypedPayload) ToRRs(zone string) ([]dns.RR, error) {
	name := KeyName(tp.Payload.PublicKey, zone)
	uriname := URIName(tp.Payload.PublicKey, zone)
	ttl := tp.Payload.TTL

	var rrs []dns.RR
	for _, addr := range tp.Payload.Addresses {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrAddressMalformed, addr, err)
		}
		host := u.Hostname()

		kind, err := ClassifyAddress(addr)
		if err != nil {
			return nil, err
		}
		switch kind {
		case dns.TypeA:
			rrs = append(rrs, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   net.ParseIP(host).To4(),
			})
		case dns.TypeAAAA:
			rrs = append(rrs, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: net.ParseIP(host),
			})
		case dns.TypeCNAME:
			rrs = append(rrs, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
				Target: dns.Fqdn(host),
			})
		default:
			return nil, fmt.Errorf("unknown payload kind %s", dns.TypeToString[kind])
		}
		rrs = append(rrs, &dns.URI{
			Hdr:      dns.RR_Header{Name: uriname, Rrtype: dns.TypeURI, Class: dns.ClassINET, Ttl: ttl},
			Priority: 1,
			Weight:   1,
			Target:   addr,
		})
	}
	return rrs, nil
}

// PayloadFromRRs reconstructs a typed payload from a URI record set, as
// received from an upstream registry. The reconstructed kind is always
// URI and the UTXO anchor is left empty: this path feeds the secondary's
// AXFR import and caching zones, neither of which binds registrations to
// stake.
func PayloadFromRRs(rrs []dns.RR) (*TypedPayload, error) {
	var pk PublicKey
	var addresses []string
	var ttl uint32

	for _, rr := range rrs {
		uri, ok := rr.(*dns.URI)
		if !ok {
			continue
		}
		key, err := KeyFromQname(uri.Header().Name)
		if err != nil {
			return nil, err
		}
		if pk != "" && pk != key {
			return nil, fmt.Errorf("URI records for multiple keys: %s vs %s", pk, key)
		}
		pk = key
		addresses = append(addresses, uri.Target)
		ttl = uri.Header().Ttl
	}
	if pk == "" {
		return nil, fmt.Errorf("no URI records in answer")
	}
	return &TypedPayload{
		Kind: dns.TypeURI,
		Payload: RegistrationPayload{
			PublicKey: pk,
			Addresses: addresses,
			TTL:       ttl,
		},
	}, nil
}
