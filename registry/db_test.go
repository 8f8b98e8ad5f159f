/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestStore(t *testing.T, prefix string) *ZoneStore {
	t.Helper()
	db, err := NewRegistryDB(":memory:")
	if err != nil {
		t.Fatalf("NewRegistryDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	zs, err := db.Bind(prefix)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return zs
}

func key(c string) PublicKey {
	return PublicKey(PubkeyHRP + strings.Repeat(c, PubkeyBareLen))
}

func TestStoreRoundtrip(t *testing.T) {
	zs := newTestStore(t, "validators")
	zone := "validators.example."

	tp := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: key("q"),
			Seq:       3,
			Addresses: []string{"agora://1.2.3.4:2826"},
			TTL:       600,
		},
		UTXO: "utxo-1",
	}
	if err := zs.UpdatePayload(tp, 0, true); err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}

	got, err := zs.GetPayload(key("q"))
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if got == nil {
		t.Fatalf("GetPayload: payload missing")
	}
	if got.Payload.Seq != 3 || got.UTXO != "utxo-1" {
		t.Errorf("Anchor not restored: seq %d utxo %q", got.Payload.Seq, got.UTXO)
	}
	if len(got.Payload.Addresses) != 1 || got.Payload.Addresses[0] != "agora://1.2.3.4:2826" {
		t.Errorf("Addresses not restored: %v", got.Payload.Addresses)
	}
	if got.Kind != dns.TypeA {
		t.Errorf("Kind %s, want A", dns.TypeToString[got.Kind])
	}

	rrs, err := zs.Records(key("q"), dns.TypeA, zone)
	if err != nil || len(rrs) != 1 {
		t.Fatalf("Records(A): %v, %v", rrs, err)
	}
	if a := rrs[0].(*dns.A); a.A.String() != "1.2.3.4" {
		t.Errorf("A rdata %s, want 1.2.3.4", a.A)
	}

	rrs, err = zs.Records(key("q"), dns.TypeURI, zone)
	if err != nil || len(rrs) != 1 {
		t.Fatalf("Records(URI): %v, %v", rrs, err)
	}
	if uri := rrs[0].(*dns.URI); uri.Target != "agora://1.2.3.4:2826" {
		t.Errorf("URI rdata %s", uri.Target)
	}

	// A miss is (nil, nil), not an error.
	if got, err := zs.GetPayload(key("z")); err != nil || got != nil {
		t.Errorf("Expected miss, got %v, %v", got, err)
	}
}

func TestStoreRemoveAndWipe(t *testing.T) {
	zs := newTestStore(t, "validators")

	for _, c := range []string{"q", "z"} {
		tp := &TypedPayload{
			Kind: dns.TypeA,
			Payload: RegistrationPayload{
				PublicKey: key(c),
				Seq:       1,
				Addresses: []string{"agora://1.2.3.4:2826"},
				TTL:       600,
			},
		}
		if err := zs.UpdatePayload(tp, 0, true); err != nil {
			t.Fatalf("UpdatePayload: %v", err)
		}
	}

	if err := zs.Remove(key("q")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got, _ := zs.GetPayload(key("q")); got != nil {
		t.Errorf("Payload survived Remove")
	}
	if _, _, ok, _ := zs.Anchor(key("q")); ok {
		t.Errorf("Anchor survived Remove")
	}

	if err := zs.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	n, err := zs.Count()
	if err != nil || n != 0 {
		t.Errorf("Count after wipe: %d, %v", n, err)
	}
	// Wipe leaves the anchor rows in place.
	if _, _, ok, _ := zs.Anchor(key("z")); !ok {
		t.Errorf("Anchor should survive Wipe")
	}
}

func TestStoreReloadAll(t *testing.T) {
	zs := newTestStore(t, "validators")

	old := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: key("q"), Seq: 1,
			Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
		},
	}
	if err := zs.UpdatePayload(old, 0, false); err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}

	replacement := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: key("z"), Seq: 2,
			Addresses: []string{"agora://5.6.7.8:2826"}, TTL: 600,
		},
	}
	if err := zs.ReloadAll([]*TypedPayload{replacement}); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}

	if got, _ := zs.GetPayload(key("q")); got != nil {
		t.Errorf("Old payload survived ReloadAll")
	}
	if got, _ := zs.GetPayload(key("z")); got == nil {
		t.Errorf("New payload missing after ReloadAll")
	}
}

func TestStoreTTLBookkeeping(t *testing.T) {
	zs := newTestStore(t, "flash")
	now := time.Now().Unix()

	soon := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: key("q"), Seq: 1,
			Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 5,
		},
	}
	later := &TypedPayload{
		Kind: dns.TypeA,
		Payload: RegistrationPayload{
			PublicKey: key("z"), Seq: 1,
			Addresses: []string{"agora://5.6.7.8:2826"}, TTL: 500,
		},
	}
	if err := zs.UpdatePayload(soon, now+5, false); err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}
	if err := zs.UpdatePayload(later, now+500, false); err != nil {
		t.Fatalf("UpdatePayload: %v", err)
	}

	earliest, ok, err := zs.EarliestExpire()
	if err != nil || !ok {
		t.Fatalf("EarliestExpire: %v, %v", ok, err)
	}
	if earliest != now+5 {
		t.Errorf("EarliestExpire %d, want %d", earliest, now+5)
	}

	expired, err := zs.ExpiredRecords(now + 10)
	if err != nil {
		t.Fatalf("ExpiredRecords: %v", err)
	}
	for _, ex := range expired {
		if ex.Pubkey != key("q") {
			t.Errorf("Unexpired key %s in expiry set", ex.Pubkey)
		}
	}
	if len(expired) != 2 { // URI row + A row for key q
		t.Errorf("Got %d expired (pubkey, type) pairs, want 2", len(expired))
	}
}

func TestStoreApplyEnumeration(t *testing.T) {
	zs := newTestStore(t, "validators")
	zone := "validators.example."

	for _, c := range []string{"q", "z"} {
		tp := &TypedPayload{
			Kind: dns.TypeA,
			Payload: RegistrationPayload{
				PublicKey: key(c), Seq: 1,
				Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
			},
		}
		if err := zs.UpdatePayload(tp, 0, false); err != nil {
			t.Fatalf("UpdatePayload: %v", err)
		}
	}

	seen := map[PublicKey]int{}
	err := zs.Apply(zone, func(pk PublicKey, rrs []dns.RR) error {
		seen[pk] = len(rrs)
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Apply visited %d keys, want 2", len(seen))
	}
	for pk, n := range seen {
		if n != 2 { // one A + one URI
			t.Errorf("Key %s yielded %d records, want 2", pk, n)
		}
	}
}
