/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

var testKey = PublicKey(PubkeyHRP + strings.Repeat("q", PubkeyBareLen))

func TestClassifyAddress(t *testing.T) {
	cases := []struct {
		address string
		want    uint16
	}{
		{"agora://1.2.3.4:2826", dns.TypeA},
		{"agora://[2001:db8::1]:2826", dns.TypeAAAA},
		{"agora://node.example.com:2826", dns.TypeCNAME},
		{"http://10.0.0.1", dns.TypeA},
	}
	for _, c := range cases {
		got, err := ClassifyAddress(c.address)
		if err != nil {
			t.Errorf("ClassifyAddress(%s): %v", c.address, err)
			continue
		}
		if got != c.want {
			t.Errorf("ClassifyAddress(%s): got %s, want %s",
				c.address, dns.TypeToString[got], dns.TypeToString[c.want])
		}
	}

	if _, err := ClassifyAddress("agora://"); err == nil {
		t.Errorf("ClassifyAddress with empty host should fail")
	}
}

func TestEnsureValidPayloadStaleSeq(t *testing.T) {
	prev := &RegistrationPayload{PublicKey: testKey, Seq: 5,
		Addresses: []string{"agora://1.2.3.4:2826"}}
	next := &RegistrationPayload{PublicKey: testKey, Seq: 4,
		Addresses: []string{"agora://5.6.7.8:2826"}}

	if _, err := EnsureValidPayload(next, prev); !errors.Is(err, ErrStaleWrite) {
		t.Errorf("Expected ErrStaleWrite, got %v", err)
	}
	// Equal sequence numbers are allowed (idempotent rewrite).
	next.Seq = 5
	if _, err := EnsureValidPayload(next, prev); err != nil {
		t.Errorf("Equal seq should be accepted: %v", err)
	}
}

func TestEnsureValidPayloadEmptyAddresses(t *testing.T) {
	p := &RegistrationPayload{PublicKey: testKey, Seq: 1}
	if _, err := EnsureValidPayload(p, nil); !errors.Is(err, ErrAddressMalformed) {
		t.Errorf("Expected ErrAddressMalformed, got %v", err)
	}
}

func TestEnsureValidPayloadCNAMEExclusivity(t *testing.T) {
	p := &RegistrationPayload{PublicKey: testKey, Seq: 1,
		Addresses: []string{"agora://node.example.com:2826", "agora://1.2.3.4:2826"}}
	if _, err := EnsureValidPayload(p, nil); err == nil {
		t.Errorf("CNAME mixed with A should be rejected")
	}

	p.Addresses = []string{"agora://node.example.com:2826"}
	kind, err := EnsureValidPayload(p, nil)
	if err != nil {
		t.Fatalf("Single CNAME payload rejected: %v", err)
	}
	if kind != dns.TypeCNAME {
		t.Errorf("Got kind %s, want CNAME", dns.TypeToString[kind])
	}
}

func TestEnsureValidPayloadLastSeenKind(t *testing.T) {
	// Mixed families are accepted and the dominant kind is the last one
	// classified.
	p := &RegistrationPayload{PublicKey: testKey, Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826", "agora://[2001:db8::1]:2826"}}
	kind, err := EnsureValidPayload(p, nil)
	if err != nil {
		t.Fatalf("Mixed A/AAAA payload rejected: %v", err)
	}
	if kind != dns.TypeAAAA {
		t.Errorf("Got kind %s, want AAAA (last seen)", dns.TypeToString[kind])
	}
}

func TestToRRsAndBack(t *testing.T) {
	zone := "validators.example."
	tp := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: testKey,
			Seq:       1,
			Addresses: []string{"agora://1.2.3.4:2826", "agora://5.6.7.8:2826"},
			TTL:       600,
		},
	}

	rrs, err := tp.ToRRs(zone)
	if err != nil {
		t.Fatalf("ToRRs: %v", err)
	}

	var as, uris int
	for _, rr := range rrs {
		switch r := rr.(type) {
		case *dns.A:
			as++
			if r.Header().Name != KeyName(testKey, zone) {
				t.Errorf("A record at %s, want %s", r.Header().Name, KeyName(testKey, zone))
			}
		case *dns.URI:
			uris++
			if r.Header().Name != URIName(testKey, zone) {
				t.Errorf("URI record at %s, want %s", r.Header().Name, URIName(testKey, zone))
			}
		default:
			t.Errorf("Unexpected record %s", rr.String())
		}
	}
	if as != 2 || uris != 2 {
		t.Errorf("Got %d A + %d URI records, want 2 + 2", as, uris)
	}

	back, err := PayloadFromRRs(rrs)
	if err != nil {
		t.Fatalf("PayloadFromRRs: %v", err)
	}
	if back.Kind != dns.TypeURI {
		t.Errorf("Reconstructed kind %s, want URI", dns.TypeToString[back.Kind])
	}
	if back.Payload.PublicKey != testKey {
		t.Errorf("Reconstructed key %s, want %s", back.Payload.PublicKey, testKey)
	}
	if len(back.Payload.Addresses) != 2 {
		t.Errorf("Reconstructed %d addresses, want 2", len(back.Payload.Addresses))
	}
	if back.UTXO != "" {
		t.Errorf("Cache-path payload must not carry a UTXO anchor")
	}
}

func TestToRRsCNAME(t *testing.T) {
	zone := "flash.example."
	tp := &TypedPayload{
		Kind: dns.TypeCNAME,
		Payload: RegistrationPayload{
			PublicKey: testKey,
			Addresses: []string{"agora://node.example.com:2826"},
			TTL:       300,
		},
	}
	rrs, err := tp.ToRRs(zone)
	if err != nil {
		t.Fatalf("ToRRs: %v", err)
	}
	if len(rrs) != 2 {
		t.Fatalf("Got %d records, want CNAME + URI", len(rrs))
	}
	cname, ok := rrs[0].(*dns.CNAME)
	if !ok {
		t.Fatalf("First record is %T, want CNAME", rrs[0])
	}
	if cname.Target != "node.example.com." {
		t.Errorf("CNAME target %s, want node.example.com.", cname.Target)
	}
}
