/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// NewZone creates the runtime state for one zone. The role is derived
// from the config and fixed for the life of the zone. The table prefix is
// the zone's identifier in the store ("realm", "validators", "flash").
func NewZone(name, table string, conf ZoneConf, db *RegistryDB) (*ZoneData, error) {
	store, err := db.Bind(table)
	if err != nil {
		return nil, err
	}

	zname := dns.Fqdn(strings.ToLower(name))
	zd := &ZoneData{
		ZoneName: zname,
		Role:     conf.Role(),
		Conf:     conf,
		Store:    store,
		taskq:    make(chan func(), 16),
		stopch:   make(chan struct{}),
		Logger:   log.Default(),
		Verbose:  Globals.Verbose,
	}

	zd.NS = dns.NS{
		Hdr: dns.RR_Header{Name: zname, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: conf.SOA.Minimum},
		Ns:  "ns1." + zname,
	}
	zd.SOA = dns.SOA{
		Hdr:     dns.RR_Header{Name: zname, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: conf.SOA.Minimum},
		Ns:      "ns1." + zname,
		Mbox:    emailToMbox(conf.SOA.Email, zname),
		Refresh: conf.SOA.Refresh,
		Retry:   conf.SOA.Retry,
		Expire:  conf.SOA.Expire,
		Minttl:  conf.SOA.Minimum,
	}
	return zd, nil
}

func emailToMbox(email, zone string) string {
	if email == "" {
		return "hostmaster." + zone
	}
	return dns.Fqdn(strings.Replace(email, "@", ".", 1))
}

// Start wires the zone into its registry and arms the replication
// machinery. The registry pointer is injected here, not at construction,
// to break the zone<->registry cycle.
func (zd *ZoneData) Start(reg *Registry) error {
	zd.registry = reg

	go zd.runTasks()

	switch zd.Role {
	case Primary:
		zd.mu.Lock()
		zd.SOA.Serial = uint32(time.Now().Unix())
		zd.mu.Unlock()
		log.Printf("Zone %s: primary, seeded SOA serial %d", zd.ZoneName, zd.SOA.Serial)
		return nil

	case Secondary, Caching:
		if zd.Resolver == nil {
			servers := zd.Conf.UpstreamServers()
			if len(servers) == 0 {
				return fmt.Errorf("zone %s: %s role but neither query_servers nor primary configured",
					zd.ZoneName, ZoneRoleToString[zd.Role])
			}
			zd.Resolver = NewUpstreamResolver(servers)
		}
		zd.soaTimer = NewTimer("soa_update", zd.enqueue, zd.updateSOA)
		zd.expireTimer = NewTimer("expire", zd.enqueue, zd.onExpire)

		if zd.Role == Secondary {
			if zd.Conf.RedirectRegister != "" && zd.Redirect == nil {
				zd.Redirect = NewClient("redirect-register", zd.Conf.RedirectRegister,
					"", "none", "insecure", Globals.Verbose, Globals.Debug)
			}
			zd.expireTimer.Rearm(time.Duration(zd.expireSecs()) * time.Second)
		}
		if zd.Role == Caching {
			// Rows may have survived a restart; resume their eviction.
			zd.setTTLTimer()
		}
		// Pull an initial SOA right away.
		zd.soaTimer.Rearm(0)
		return nil
	}
	return fmt.Errorf("zone %s: unknown role", zd.ZoneName)
}

func (zd *ZoneData) Stop() {
	if zd.soaTimer != nil {
		zd.soaTimer.Stop()
	}
	if zd.expireTimer != nil {
		zd.expireTimer.Stop()
	}
	close(zd.stopch)
}

// runTasks is the zone's single consumer: timers and API writes post
// closures here, so zone state mutation never interleaves.
func (zd *ZoneData) runTasks() {
	for {
		select {
		case task := <-zd.taskq:
			task()
		case <-zd.stopch:
			return
		}
	}
}

func (zd *ZoneData) enqueue(task func()) {
	select {
	case zd.taskq <- task:
	case <-zd.stopch:
	}
}

// runSync runs a task on the zone's queue and waits for its result.
func (zd *ZoneData) runSync(task func() error) error {
	done := make(chan error, 1)
	zd.enqueue(func() { done <- task() })
	select {
	case err := <-done:
		return err
	case <-zd.stopch:
		return fmt.Errorf("zone %s stopped", zd.ZoneName)
	}
}

// SOARecord returns a copy of the zone SOA carrying the current serial.
func (zd *ZoneData) SOARecord() *dns.SOA {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	soa := zd.SOA
	return &soa
}

func (zd *ZoneData) NSRecord() *dns.NS {
	ns := zd.NS
	return &ns
}

func (zd *ZoneData) Serial() uint32 {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	return zd.SOA.Serial
}

// BumpSerial advances the primary serial: unix time when the clock has
// moved on, plain increment when several bumps land in the same second.
func (zd *ZoneData) BumpSerial() uint32 {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	now := uint32(time.Now().Unix())
	if now > zd.SOA.Serial {
		zd.SOA.Serial = now
	} else {
		zd.SOA.Serial++
	}
	return zd.SOA.Serial
}

func (zd *ZoneData) refreshSecs() uint32 {
	secs := zd.SOA.Refresh
	if secs == 0 {
		secs = zd.Conf.SOA.Refresh
	}
	if secs < MinRefreshInterval {
		secs = MinRefreshInterval
	}
	return secs
}

func (zd *ZoneData) retrySecs() uint32 {
	secs := zd.Conf.SOA.Retry
	if secs < MinRefreshInterval {
		secs = MinRefreshInterval
	}
	return secs
}

func (zd *ZoneData) expireSecs() uint32 {
	secs := zd.Conf.SOA.Expire
	if secs == 0 {
		secs = 7 * 86400
	}
	return secs
}

// updateSOA is the SOA maintenance tick. On a primary it only advances
// the serial; replicas poll their upstream and drive the refresh/retry/
// expire machinery from the outcome.
func (zd *ZoneData) updateSOA() {
	if zd.Role == Primary {
		zd.BumpSerial()
		return
	}

	rrs, err := zd.Resolver.Query(zd.ZoneName, dns.TypeSOA)
	var soa *dns.SOA
	if err == nil {
		for _, rr := range rrs {
			if s, ok := rr.(*dns.SOA); ok {
				soa = s
				break
			}
		}
		if soa == nil {
			err = fmt.Errorf("upstream SOA answer for %s contained no SOA", zd.ZoneName)
		}
	}

	if err != nil {
		log.Printf("updateSOA: zone %s: %v", zd.ZoneName, err)
		zd.soaTimer.Rearm(time.Duration(zd.retrySecs()) * time.Second)
		if zd.Role == Secondary && !zd.expireTimer.Pending() {
			zd.expireTimer.Rearm(time.Duration(zd.expireSecs()) * time.Second)
		}
		return
	}

	zd.mu.Lock()
	zd.SOATtl = soa.Header().Ttl
	newer := soa.Serial > zd.SOA.Serial || zd.SOA.Serial == 0
	if newer {
		zd.SOA = *soa
	}
	zd.mu.Unlock()

	if newer && zd.Role == Secondary {
		log.Printf("updateSOA: zone %s: upstream serial %d is newer, transferring",
			zd.ZoneName, soa.Serial)
		zd.axfrTransfer()
	}

	var next uint32
	switch zd.Role {
	case Secondary:
		next = zd.refreshSecs()
		zd.expireTimer.Stop()
	case Caching:
		next = zd.SOATtl
		if next < MinRefreshInterval {
			next = MinRefreshInterval
		}
	}
	zd.soaTimer.Rearm(time.Duration(next) * time.Second)
}

// axfrTransfer pulls the whole zone from upstream and replaces the local
// address table. The clear happens only after a successful fetch, inside
// one store transaction, so a failed transfer leaves the previous zone
// intact and no reader sees a half-cleared state.
func (zd *ZoneData) axfrTransfer() {
	rrs, err := zd.Resolver.Transfer(zd.ZoneName)
	if err != nil {
		log.Printf("axfrTransfer: zone %s: %v", zd.ZoneName, err)
		return
	}

	byKey := map[PublicKey][]dns.RR{}
	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeURI {
			continue
		}
		pk, err := KeyFromQname(rr.Header().Name)
		if err != nil {
			log.Printf("axfrTransfer: zone %s: skipping %s: %v", zd.ZoneName, rr.Header().Name, err)
			continue
		}
		byKey[pk] = append(byKey[pk], rr)
	}

	var tps []*TypedPayload
	for _, keyrrs := range byKey {
		tp, err := PayloadFromRRs(keyrrs)
		if err != nil {
			log.Printf("axfrTransfer: zone %s: %v", zd.ZoneName, err)
			continue
		}
		tps = append(tps, tp)
	}

	if err := zd.Store.ReloadAll(tps); err != nil {
		log.Printf("axfrTransfer: zone %s: reload failed: %v", zd.ZoneName, err)
		return
	}
	log.Printf("axfrTransfer: zone %s: imported %d registrations from upstream", zd.ZoneName, len(tps))
}

// onExpire fires when the secondary has gone a full expire interval
// without a successful SOA refresh. The zone stops answering (lookups
// return NXDOMAIN) but SOA polling continues so it can recover.
func (zd *ZoneData) onExpire() {
	switch zd.Role {
	case Secondary:
		log.Printf("Zone %s: expire interval elapsed without contact with primary, disabling", zd.ZoneName)
		if err := zd.Store.Wipe(); err != nil {
			log.Printf("Zone %s: wipe failed: %v", zd.ZoneName, err)
		}
	case Caching:
		zd.updateTTLExpired(time.Now())
	}
}

// updateTTLExpired re-resolves every record whose TTL elapsed and either
// refreshes it or drops the key when upstream no longer answers.
func (zd *ZoneData) updateTTLExpired(now time.Time) {
	expired, err := zd.Store.ExpiredRecords(now.Unix())
	if err != nil {
		log.Printf("updateTTLExpired: zone %s: %v", zd.ZoneName, err)
		return
	}

	removed := map[PublicKey]bool{}
	for _, ex := range expired {
		if removed[ex.Pubkey] {
			continue
		}
		qname := KeyName(ex.Pubkey, zd.ZoneName)
		if ex.Rtype == dns.TypeURI {
			qname = URIName(ex.Pubkey, zd.ZoneName)
		}
		rrs, err := zd.Resolver.Query(qname, ex.Rtype)
		if err != nil {
			log.Printf("updateTTLExpired: zone %s: %s %s: %v",
				zd.ZoneName, qname, dns.TypeToString[ex.Rtype], err)
			continue
		}
		if len(rrs) == 0 {
			if err := zd.Store.Remove(ex.Pubkey); err != nil {
				log.Printf("updateTTLExpired: zone %s: remove %s: %v", zd.ZoneName, ex.Pubkey, err)
			}
			removed[ex.Pubkey] = true
			continue
		}
		if err := zd.installCached(ex.Pubkey, ex.Rtype, rrs, now); err != nil {
			log.Printf("updateTTLExpired: zone %s: %v", zd.ZoneName, err)
		}
	}
	zd.setTTLTimer()
}

func (zd *ZoneData) installCached(pk PublicKey, rtype uint16, rrs []dns.RR, now time.Time) error {
	if rtype == dns.TypeURI {
		tp, err := PayloadFromRRs(rrs)
		if err != nil {
			return err
		}
		expires := now.Unix() + int64(tp.Payload.TTL)
		return zd.Store.UpdatePayload(tp, expires, false)
	}
	var expires int64
	if len(rrs) > 0 {
		expires = now.Unix() + int64(rrs[0].Header().Ttl)
	}
	return zd.Store.UpdateRecords(pk, rtype, rrs, expires)
}

// setTTLTimer rearms the eviction timer to the earliest remaining
// deadline. With no TTL-carrying rows left the timer stays idle.
func (zd *ZoneData) setTTLTimer() {
	earliest, ok, err := zd.Store.EarliestExpire()
	if err != nil {
		log.Printf("setTTLTimer: zone %s: %v", zd.ZoneName, err)
		return
	}
	if !ok {
		return
	}
	delay := time.Until(time.Unix(earliest, 0))
	if delay < 0 {
		delay = 0
	}
	zd.expireTimer.Rearm(delay)
}

// Register is the application write path. On a primary it validates,
// binds stake (when findUTXO is given) and stores; on a secondary it
// forwards to the primary; caching zones only accept the unsigned
// install that the upstream lookup path performs.
func (zd *ZoneData) Register(payload *RegistrationPayload, signature string, findUTXO func(PublicKey) (string, error)) error {
	return zd.runSync(func() error {
		var prev *RegistrationPayload
		if stored, err := zd.Store.GetPayload(payload.PublicKey); err != nil {
			return err
		} else if stored != nil {
			prev = &stored.Payload
		}

		kind, err := EnsureValidPayload(payload, prev)
		if err != nil {
			return err
		}

		switch zd.Role {
		case Secondary:
			if signature == "" {
				return ErrSignatureInvalid
			}
			if zd.Redirect == nil {
				return fmt.Errorf("zone %s: no redirect_register configured", zd.ZoneName)
			}
			return zd.Redirect.RegisterValidator(payload, signature)

		case Caching:
			if signature != "" {
				return fmt.Errorf("zone %s: caching zone does not accept registrations", zd.ZoneName)
			}
			// Unsigned install from our own upstream fetch. Verification is
			// bypassed on purpose: the cache trusts the upstream it is
			// configured to talk to.
			log.Printf("Zone %s: installing unverified payload for %s from upstream",
				zd.ZoneName, payload.PublicKey)
			expires := time.Now().Unix() + int64(payload.TTL)
			tp := TypedPayload{Kind: kind, Payload: *payload}
			if err := zd.Store.UpdatePayload(&tp, expires, false); err != nil {
				return err
			}
			zd.setTTLTimer()
			return nil
		}

		// Primary.
		if zd.registry != nil && zd.registry.verifier != nil {
			if err := zd.registry.verifier(payload, signature); err != nil {
				return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
			}
		}

		var utxo string
		if findUTXO != nil {
			utxo, err = findUTXO(payload.PublicKey)
			if err != nil {
				return err
			}
		}

		tp := TypedPayload{Kind: kind, Payload: *payload, UTXO: utxo}
		if err := zd.Store.UpdatePayload(&tp, 0, true); err != nil {
			return err
		}
		zd.BumpSerial()
		return nil
	})
}

// RemovePayload drops a registration and bumps the serial so replicas
// pick the removal up on their next refresh.
func (zd *ZoneData) RemovePayload(pk PublicKey) error {
	return zd.runSync(func() error {
		if err := zd.Store.Remove(pk); err != nil {
			return err
		}
		if zd.Role == Primary {
			zd.BumpSerial()
		}
		return nil
	})
}
