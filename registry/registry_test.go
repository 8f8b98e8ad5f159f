/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeLedger struct {
	mu         sync.Mutex
	height     uint64
	validators []ValidatorInfo
	stakes     []StakeOutput
	penalties  map[string]uint64
	blocks     []Block
}

func (l *fakeLedger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *fakeLedger) GetValidators(height uint64) []ValidatorInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.validators
}

func (l *fakeLedger) GetStakes() []StakeOutput {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stakes
}

func (l *fakeLedger) GetPenaltyDeposit(utxo string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penalties[utxo]
}

func (l *fakeLedger) GetBlocksFrom(height uint64) []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Block
	for _, b := range l.blocks {
		if b.Height >= height {
			out = append(out, b)
		}
	}
	return out
}

func (l *fakeLedger) slash(utxo string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalties[utxo] = 0
}

func testVerifier(payload *RegistrationPayload, signature string) error {
	if signature == "" {
		return fmt.Errorf("empty signature")
	}
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeLedger) {
	t.Helper()
	db, err := NewRegistryDB(":memory:")
	if err != nil {
		t.Fatalf("NewRegistryDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger := &fakeLedger{
		height: 10,
		validators: []ValidatorInfo{
			{Address: key("q"), UTXO: "utxo-q"},
		},
		stakes: []StakeOutput{
			{Address: key("z"), UTXO: "utxo-z"},
		},
		penalties: map[string]uint64{"utxo-q": 100, "utxo-z": 100},
		blocks: []Block{
			{Height: 5, TxHashes: []string{"channel-tx"}},
		},
	}

	conf := &Config{
		Registry: RegistryConf{
			Realm: "example",
			Zones: map[string]ZoneConf{
				"realm":      primaryZoneConf(),
				"validators": primaryZoneConf(),
				"flash":      primaryZoneConf(),
			},
		},
	}

	reg, err := NewRegistry(conf, db, ledger, testVerifier)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(reg.Stop)
	return reg, ledger
}

// answer runs one query through the full responder and returns the reply.
func answer(t *testing.T, reg *Registry, qname string, qtype uint16, tcp bool) *dns.Msg {
	t.Helper()
	query := new(dns.Msg)
	query.SetQuestion(qname, qtype)

	var reply *dns.Msg
	reg.AnswerQuestions(query, net.ParseIP("127.0.0.1"), tcp, func(m *dns.Msg) {
		reply = m
	})
	if reply == nil {
		t.Fatalf("No reply delivered for %s %s", qname, dns.TypeToString[qtype])
	}
	return reply
}

func TestFindZoneLongestSuffix(t *testing.T) {
	reg, _ := newTestRegistry(t)

	cases := []struct {
		qname   string
		want    string
		matches bool
	}{
		{"validators.example.", "validators.example.", true},
		{"k.validators.example.", "validators.example.", false},
		{"_agora._tcp.k.validators.example.", "validators.example.", false},
		{"flash.example.", "flash.example.", true},
		{"example.", "example.", true},
		{"something.example.", "example.", false},
		{"VALIDATORS.EXAMPLE.", "validators.example.", true},
	}
	for _, c := range cases {
		zd, matches := reg.FindZone(c.qname)
		if zd == nil {
			t.Errorf("FindZone(%s): no zone", c.qname)
			continue
		}
		if zd.ZoneName != c.want || matches != c.matches {
			t.Errorf("FindZone(%s): got %s/%v, want %s/%v",
				c.qname, zd.ZoneName, matches, c.want, c.matches)
		}
	}

	if zd, _ := reg.FindZone("node.elsewhere."); zd != nil {
		t.Errorf("FindZone outside the realm returned %s", zd.ZoneName)
	}
}

func TestRegisterAndResolve(t *testing.T) {
	reg, _ := newTestRegistry(t)
	posted := time.Now().Unix()

	payload := &RegistrationPayload{
		PublicKey: key("q"),
		Seq:       1,
		Addresses: []string{"agora://1.2.3.4:2826"},
		TTL:       600,
	}
	if err := reg.RegisterValidator(payload, "sig"); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}

	// The API echoes the payload.
	got, err := reg.GetValidator(key("q"))
	if err != nil || got == nil {
		t.Fatalf("GetValidator: %v, %v", got, err)
	}
	if got.Seq != 1 || got.Addresses[0] != "agora://1.2.3.4:2826" {
		t.Errorf("Payload not echoed: %+v", got)
	}

	// DNS A lookup.
	reply := answer(t, reg, KeyName(key("q"), "validators.example."), dns.TypeA, false)
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("A lookup: rcode %s, %d answers", dns.RcodeToString[reply.Rcode], len(reply.Answer))
	}
	if a := reply.Answer[0].(*dns.A); a.A.String() != "1.2.3.4" {
		t.Errorf("A rdata %s, want 1.2.3.4", a.A)
	}
	if !reply.Authoritative {
		t.Errorf("Authoritative zone must set AA")
	}

	// DNS URI lookup at the service name.
	reply = answer(t, reg, URIName(key("q"), "validators.example."), dns.TypeURI, false)
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("URI lookup: rcode %s, %d answers", dns.RcodeToString[reply.Rcode], len(reply.Answer))
	}
	if uri := reply.Answer[0].(*dns.URI); uri.Target != "agora://1.2.3.4:2826" {
		t.Errorf("URI rdata %s", uri.Target)
	}

	// SOA serial tracks registration time.
	reply = answer(t, reg, "validators.example.", dns.TypeSOA, false)
	if reply.Rcode != dns.RcodeSuccess || len(reply.Answer) != 1 {
		t.Fatalf("SOA lookup: rcode %s", dns.RcodeToString[reply.Rcode])
	}
	serial := reply.Answer[0].(*dns.SOA).Serial
	if int64(serial) < posted {
		t.Errorf("SOA serial %d predates the registration (%d)", serial, posted)
	}
}

func TestStaleWriteLeavesDNSIntact(t *testing.T) {
	reg, _ := newTestRegistry(t)

	fresh := &RegistrationPayload{
		PublicKey: key("q"), Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(fresh, "sig"); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}

	stale := &RegistrationPayload{
		PublicKey: key("q"), Seq: 0,
		Addresses: []string{"agora://5.6.7.8:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(stale, "sig"); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("Expected ErrStaleWrite, got %v", err)
	}

	reply := answer(t, reg, KeyName(key("q"), "validators.example."), dns.TypeA, false)
	if a := reply.Answer[0].(*dns.A); a.A.String() != "1.2.3.4" {
		t.Errorf("Stale write changed DNS content: %s", a.A)
	}
}

func TestSlashingSweep(t *testing.T) {
	reg, ledger := newTestRegistry(t)

	payload := &RegistrationPayload{
		PublicKey: key("q"), Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(payload, "sig"); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}
	before := reg.Validators.Serial()

	ledger.slash("utxo-q")
	if err := reg.OnAcceptedBlock(); err != nil {
		t.Fatalf("OnAcceptedBlock: %v", err)
	}

	reply := answer(t, reg, KeyName(key("q"), "validators.example."), dns.TypeA, false)
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("Slashed validator still resolves: %s", dns.RcodeToString[reply.Rcode])
	}
	if reg.Validators.Serial() <= before {
		t.Errorf("SOA serial did not advance after the sweep")
	}
}

func TestNoStakeRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	payload := &RegistrationPayload{
		PublicKey: key("m"), Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(payload, "sig"); !errors.Is(err, ErrNoStake) {
		t.Fatalf("Expected ErrNoStake, got %v", err)
	}
}

func TestStakeFromGeneralOutputs(t *testing.T) {
	reg, _ := newTestRegistry(t)

	// key z is not an active validator but holds a stake output.
	payload := &RegistrationPayload{
		PublicKey: key("z"), Seq: 1,
		Addresses: []string{"agora://5.6.7.8:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(payload, "sig"); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}
	tp, err := reg.Validators.Store.GetPayload(key("z"))
	if err != nil || tp == nil {
		t.Fatalf("GetPayload: %v, %v", tp, err)
	}
	if tp.UTXO != "utxo-z" {
		t.Errorf("Anchored to %q, want utxo-z", tp.UTXO)
	}
}

func TestFlashChannelValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	payload := &RegistrationPayload{
		PublicKey: key("q"), Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
	}

	err := reg.RegisterFlashNode(payload, "sig", KnownChannel{Height: 5, Conf: "no-such-tx"})
	if !errors.Is(err, ErrChannelInvalid) {
		t.Fatalf("Expected ErrChannelInvalid, got %v", err)
	}

	if err := reg.RegisterFlashNode(payload, "sig", KnownChannel{Height: 5, Conf: "channel-tx"}); err != nil {
		t.Fatalf("RegisterFlashNode: %v", err)
	}

	got, err := reg.GetFlashNode(key("q"))
	if err != nil || got == nil {
		t.Fatalf("GetFlashNode: %v, %v", got, err)
	}
	reply := answer(t, reg, KeyName(key("q"), "flash.example."), dns.TypeA, false)
	if reply.Rcode != dns.RcodeSuccess {
		t.Errorf("Flash node does not resolve: %s", dns.RcodeToString[reply.Rcode])
	}
}

func TestUnsignedRegistrationRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	payload := &RegistrationPayload{
		PublicKey: key("q"), Seq: 1,
		Addresses: []string{"agora://1.2.3.4:2826"}, TTL: 600,
	}
	if err := reg.RegisterValidator(payload, ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("Expected ErrSignatureInvalid, got %v", err)
	}
}

func TestAnswerQuestionsProtocolErrors(t *testing.T) {
	reg, _ := newTestRegistry(t)
	peer := net.ParseIP("127.0.0.1")

	// Unknown zone is refused.
	reply := answer(t, reg, "node.elsewhere.", dns.TypeA, false)
	if reply.Rcode != dns.RcodeRefused {
		t.Errorf("Foreign zone: %s, want REFUSED", dns.RcodeToString[reply.Rcode])
	}

	// Unsupported qtype.
	reply = answer(t, reg, "validators.example.", dns.TypeMX, false)
	if reply.Rcode != dns.RcodeNotImplemented {
		t.Errorf("MX query: %s, want NOTIMP", dns.RcodeToString[reply.Rcode])
	}

	// Unsupported qclass.
	query := new(dns.Msg)
	query.SetQuestion("validators.example.", dns.TypeA)
	query.Question[0].Qclass = dns.ClassCHAOS
	var got *dns.Msg
	reg.AnswerQuestions(query, peer, false, func(m *dns.Msg) { got = m })
	if got == nil || got.Rcode != dns.RcodeNotImplemented {
		t.Errorf("CHAOS query not rejected with NOTIMP")
	}

	// ANY class clears AA but answers.
	query = new(dns.Msg)
	query.SetQuestion("validators.example.", dns.TypeSOA)
	query.Question[0].Qclass = dns.ClassANY
	got = nil
	reg.AnswerQuestions(query, peer, false, func(m *dns.Msg) { got = m })
	if got == nil || got.Authoritative {
		t.Errorf("ANY-class query must clear AA")
	}
}

func TestAnswerQuestionsEDNS(t *testing.T) {
	reg, _ := newTestRegistry(t)
	peer := net.ParseIP("127.0.0.1")

	// EDNS version above 0 gets BADVERS.
	query := new(dns.Msg)
	query.SetQuestion("validators.example.", dns.TypeSOA)
	query.SetEdns0(1232, false)
	query.IsEdns0().SetVersion(1)
	var got *dns.Msg
	reg.AnswerQuestions(query, peer, false, func(m *dns.Msg) { got = m })
	if got == nil || got.Rcode != dns.RcodeBadVers {
		t.Fatalf("EDNS version 1 not answered with BADVERS")
	}
	if got.IsEdns0() == nil {
		t.Errorf("BADVERS reply must carry an OPT record")
	}

	// Two OPT records are a format error.
	query = new(dns.Msg)
	query.SetQuestion("validators.example.", dns.TypeSOA)
	query.SetEdns0(1232, false)
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	query.Extra = append(query.Extra, opt)
	got = nil
	reg.AnswerQuestions(query, peer, false, func(m *dns.Msg) { got = m })
	if got == nil || got.Rcode != dns.RcodeFormatError {
		t.Errorf("Duplicate OPT not answered with FORMERR")
	}

	// A well-formed OPT is echoed.
	query = new(dns.Msg)
	query.SetQuestion("validators.example.", dns.TypeSOA)
	query.SetEdns0(1232, false)
	got = nil
	reg.AnswerQuestions(query, peer, false, func(m *dns.Msg) { got = m })
	if got == nil || got.IsEdns0() == nil {
		t.Errorf("Reply to an EDNS query must echo an OPT")
	}
}

func TestAnswerQuestionsTruncation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	// Enough addresses to blow through the 512 byte floor.
	var addresses []string
	for i := 0; i < 40; i++ {
		addresses = append(addresses, fmt.Sprintf("agora://10.0.%d.%d:2826", i/250, i%250+1))
	}
	payload := &RegistrationPayload{
		PublicKey: key("q"), Seq: 1,
		Addresses: addresses, TTL: 600,
	}
	if err := reg.RegisterValidator(payload, "sig"); err != nil {
		t.Fatalf("RegisterValidator: %v", err)
	}

	qname := KeyName(key("q"), "validators.example.")

	// UDP without EDNS truncates at 512.
	reply := answer(t, reg, qname, dns.TypeA, false)
	if !reply.Truncated {
		t.Errorf("Oversized UDP reply not truncated")
	}
	if len(reply.Answer) != 0 {
		t.Errorf("Truncated reply kept %d answers from the rolled back question", len(reply.Answer))
	}

	// TCP carries the full answer.
	reply = answer(t, reg, qname, dns.TypeA, true)
	if reply.Truncated {
		t.Errorf("TCP reply must not be truncated")
	}
	if len(reply.Answer) != 40 {
		t.Errorf("TCP reply has %d answers, want 40", len(reply.Answer))
	}
}

func TestValidatorSetChangeDetection(t *testing.T) {
	reg, ledger := newTestRegistry(t)

	// First call primes the snapshot (and reports a change from empty).
	reg.validatorSetChanged()
	if reg.validatorSetChanged() {
		t.Errorf("Unchanged set reported as changed")
	}

	ledger.mu.Lock()
	ledger.validators = append(ledger.validators, ValidatorInfo{Address: key("z"), UTXO: "utxo-z"})
	ledger.mu.Unlock()

	if !reg.validatorSetChanged() {
		t.Errorf("Grown validator set not detected")
	}
}
