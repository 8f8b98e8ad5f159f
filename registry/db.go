/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// RegistryDB is the embedded store, opened once per process and handed to
// the zones. Each zone binds its own pair of tables.
type RegistryDB struct {
	DB *sql.DB
	mu sync.Mutex
}

func NewRegistryDB(dbfile string) (*RegistryDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("error: DB filename unspecified")
	}
	if Globals.Verbose {
		log.Printf("NewRegistryDB: using sqlite db in file %s", dbfile)
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewRegistryDB: Error from sql.Open: %v", err)
	}
	return &RegistryDB{DB: db}, nil
}

func (db *RegistryDB) Close() error {
	return db.DB.Close()
}

// ZoneStore is a RegistryDB view bound to one zone's tables.
type ZoneStore struct {
	db        *RegistryDB
	utxoTable string
	addrTable string
}

// Bind creates (if missing) and binds the per-zone tables. The prefix is
// one of the fixed zone identifiers ("realm", "validators", "flash"), not
// user input.
func (db *RegistryDB) Bind(prefix string) (*ZoneStore, error) {
	zs := &ZoneStore{
		db:        db,
		utxoTable: fmt.Sprintf("registry_%s_utxo", prefix),
		addrTable: fmt.Sprintf("registry_%s_addresses", prefix),
	}

	schemas := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS '%s' (
pubkey		  TEXT PRIMARY KEY,
sequence	  INTEGER,
utxo		  TEXT
)`, zs.utxoTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS '%s' (
pubkey		  TEXT,
address		  TEXT,
type		  INTEGER,
ttl		  INTEGER,
expires		  INTEGER,
PRIMARY KEY (pubkey, address)
)`, zs.addrTable),
	}

	for _, s := range schemas {
		stmt, err := db.DB.Prepare(s)
		if err != nil {
			return nil, fmt.Errorf("Bind: Error from schema %q: %v", s, err)
		}
		if _, err = stmt.Exec(); err != nil {
			return nil, fmt.Errorf("Bind: failed to set up db schema: %v", err)
		}
	}
	return zs, nil
}

// Anchor returns the stored (sequence, utxo) pair for pk, if any.
func (zs *ZoneStore) Anchor(pk PublicKey) (uint64, string, bool, error) {
	var seq uint64
	var utxo string
	row := zs.db.DB.QueryRow(
		fmt.Sprintf("SELECT sequence, utxo FROM '%s' WHERE pubkey = ?", zs.utxoTable),
		pk.String())
	switch err := row.Scan(&seq, &utxo); err {
	case sql.ErrNoRows:
		return 0, "", false, nil
	case nil:
		return seq, utxo, true, nil
	default:
		return 0, "", false, err
	}
}

// GetPayload reconstructs the registration payload for pk from the URI
// rows (the full URIs are the source of truth; A/AAAA/CNAME rows only
// mirror their host parts). Returns nil when pk is not registered.
func (zs *ZoneStore) GetPayload(pk PublicKey) (*TypedPayload, error) {
	rows, err := zs.db.DB.Query(
		fmt.Sprintf("SELECT address, type, ttl FROM '%s' WHERE pubkey = ? ORDER BY address", zs.addrTable),
		pk.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tp := TypedPayload{
		Kind:    dns.TypeURI,
		Payload: RegistrationPayload{PublicKey: pk},
	}
	found := false
	for rows.Next() {
		var address string
		var rtype uint16
		var ttl uint32
		if err := rows.Scan(&address, &rtype, &ttl); err != nil {
			return nil, err
		}
		found = true
		switch rtype {
		case dns.TypeURI:
			tp.Payload.Addresses = append(tp.Payload.Addresses, address)
			tp.Payload.TTL = ttl
		default:
			tp.Kind = rtype
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if seq, utxo, ok, err := zs.Anchor(pk); err != nil {
		return nil, err
	} else if ok {
		tp.Payload.Seq = seq
		tp.UTXO = utxo
	}
	return &tp, nil
}

func (zs *ZoneStore) insertPayload(tx *sql.Tx, tp *TypedPayload, expires int64, anchor bool) error {
	if _, err := tx.Exec(
		fmt.Sprintf("DELETE FROM '%s' WHERE pubkey = ?", zs.addrTable),
		tp.Payload.PublicKey.String()); err != nil {
		return err
	}

	insert := fmt.Sprintf(
		"INSERT OR REPLACE INTO '%s' (pubkey, address, type, ttl, expires) VALUES (?, ?, ?, ?, ?)",
		zs.addrTable)

	for _, addr := range tp.Payload.Addresses {
		if _, err := tx.Exec(insert, tp.Payload.PublicKey.String(), addr,
			dns.TypeURI, tp.Payload.TTL, expires); err != nil {
			return err
		}

		u, err := url.Parse(addr)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrAddressMalformed, addr, err)
		}
		host := u.Hostname()
		kind, err := ClassifyAddress(addr)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(insert, tp.Payload.PublicKey.String(), host,
			kind, tp.Payload.TTL, expires); err != nil {
			return err
		}
	}

	if anchor {
		if _, err := tx.Exec(
			fmt.Sprintf("INSERT OR REPLACE INTO '%s' (pubkey, sequence, utxo) VALUES (?, ?, ?)", zs.utxoTable),
			tp.Payload.PublicKey.String(), tp.Payload.Seq, tp.UTXO); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePayload replaces all rows for the payload's key. For caching
// zones expires must be a future unix time; authoritative zones pass 0.
// The anchor row is only written on the primary write path.
func (zs *ZoneStore) UpdatePayload(tp *TypedPayload, expires int64, anchor bool) error {
	zs.db.mu.Lock()
	defer zs.db.mu.Unlock()

	tx, err := zs.db.DB.Begin()
	if err != nil {
		return err
	}
	if err := zs.insertPayload(tx, tp, expires, anchor); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ReloadAll wipes the address table and re-imports the given payloads in
// one transaction, so no reader observes a partially cleared zone. This
// is the secondary's post-AXFR import.
func (zs *ZoneStore) ReloadAll(tps []*TypedPayload) error {
	zs.db.mu.Lock()
	defer zs.db.mu.Unlock()

	tx, err := zs.db.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM '%s'", zs.addrTable)); err != nil {
		tx.Rollback()
		return err
	}
	for _, tp := range tps {
		if err := zs.insertPayload(tx, tp, 0, false); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// UpdateRecords overwrites the rows of one (pubkey, type) pair with a
// freshly fetched record set. Used by the caching TTL sweep for the
// mirror rows; URI rows go through UpdatePayload instead.
func (zs *ZoneStore) UpdateRecords(pk PublicKey, rtype uint16, rrs []dns.RR, expires int64) error {
	zs.db.mu.Lock()
	defer zs.db.mu.Unlock()

	tx, err := zs.db.DB.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		fmt.Sprintf("DELETE FROM '%s' WHERE pubkey = ? AND type = ?", zs.addrTable),
		pk.String(), rtype); err != nil {
		tx.Rollback()
		return err
	}
	insert := fmt.Sprintf(
		"INSERT OR REPLACE INTO '%s' (pubkey, address, type, ttl, expires) VALUES (?, ?, ?, ?, ?)",
		zs.addrTable)
	for _, rr := range rrs {
		var address string
		switch r := rr.(type) {
		case *dns.A:
			address = r.A.String()
		case *dns.AAAA:
			address = r.AAAA.String()
		case *dns.CNAME:
			address = r.Target
		case *dns.URI:
			address = r.Target
		default:
			continue
		}
		if _, err := tx.Exec(insert, pk.String(), address, rtype,
			rr.Header().Ttl, expires); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (zs *ZoneStore) Remove(pk PublicKey) error {
	zs.db.mu.Lock()
	defer zs.db.mu.Unlock()

	tx, err := zs.db.DB.Begin()
	if err != nil {
		return err
	}
	for _, q := range []string{
		fmt.Sprintf("DELETE FROM '%s' WHERE pubkey = ?", zs.addrTable),
		fmt.Sprintf("DELETE FROM '%s' WHERE pubkey = ?", zs.utxoTable),
	} {
		if _, err := tx.Exec(q, pk.String()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Wipe deletes every address row. Used when a secondary's expire timer
// elapses; the anchor table is left untouched.
func (zs *ZoneStore) Wipe() error {
	_, err := zs.db.DB.Exec(fmt.Sprintf("DELETE FROM '%s'", zs.addrTable))
	return err
}

// Records builds the resource records of the requested type for pk.
func (zs *ZoneStore) Records(pk PublicKey, qtype uint16, zone string) ([]dns.RR, error) {
	rows, err := zs.db.DB.Query(
		fmt.Sprintf("SELECT address, ttl FROM '%s' WHERE pubkey = ? AND type = ? ORDER BY address", zs.addrTable),
		pk.String(), qtype)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rrs []dns.RR
	for rows.Next() {
		var address string
		var ttl uint32
		if err := rows.Scan(&address, &ttl); err != nil {
			return nil, err
		}
		if rr := buildRR(pk, qtype, address, ttl, zone); rr != nil {
			rrs = append(rrs, rr)
		}
	}
	return rrs, rows.Err()
}

func buildRR(pk PublicKey, rtype uint16, address string, ttl uint32, zone string) dns.RR {
	name := KeyName(pk, zone)
	switch rtype {
	case dns.TypeA:
		ip := net.ParseIP(address)
		if ip == nil {
			return nil
		}
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   ip.To4(),
		}
	case dns.TypeAAAA:
		ip := net.ParseIP(address)
		if ip == nil {
			return nil
		}
		return &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: ip,
		}
	case dns.TypeCNAME:
		return &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(address),
		}
	case dns.TypeURI:
		return &dns.URI{
			Hdr:      dns.RR_Header{Name: URIName(pk, zone), Rrtype: dns.TypeURI, Class: dns.ClassINET, Ttl: ttl},
			Priority: 1,
			Weight:   1,
			Target:   address,
		}
	}
	return nil
}

// Keys returns the distinct registered public keys, in stable order.
func (zs *ZoneStore) Keys() ([]PublicKey, error) {
	rows, err := zs.db.DB.Query(
		fmt.Sprintf("SELECT DISTINCT pubkey FROM '%s' ORDER BY pubkey", zs.addrTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []PublicKey
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		keys = append(keys, PublicKey(pk))
	}
	return keys, rows.Err()
}

// Apply iterates the zone one key at a time, yielding the full record set
// for each. A simple cursor gives a stable snapshot under the cooperative
// model; used for AXFR out and the slashing sweep.
func (zs *ZoneStore) Apply(zone string, fn func(pk PublicKey, rrs []dns.RR) error) error {
	keys, err := zs.Keys()
	if err != nil {
		return err
	}
	for _, pk := range keys {
		var rrs []dns.RR
		for _, rtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeURI} {
			typed, err := zs.Records(pk, rtype, zone)
			if err != nil {
				return err
			}
			rrs = append(rrs, typed...)
		}
		if err := fn(pk, rrs); err != nil {
			return err
		}
	}
	return nil
}

type ExpiredRecord struct {
	Pubkey PublicKey
	Rtype  uint16
}

// ExpiredRecords returns the distinct (pubkey, type) pairs whose TTL has
// elapsed. Only caching zones ever have expires > 0.
func (zs *ZoneStore) ExpiredRecords(now int64) ([]ExpiredRecord, error) {
	rows, err := zs.db.DB.Query(
		fmt.Sprintf("SELECT DISTINCT pubkey, type FROM '%s' WHERE expires > 0 AND expires <= ?", zs.addrTable),
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []ExpiredRecord
	for rows.Next() {
		var pk string
		var rtype uint16
		if err := rows.Scan(&pk, &rtype); err != nil {
			return nil, err
		}
		expired = append(expired, ExpiredRecord{Pubkey: PublicKey(pk), Rtype: rtype})
	}
	return expired, rows.Err()
}

// EarliestExpire returns the earliest eviction deadline, if any. The
// deadline may already have passed.
func (zs *ZoneStore) EarliestExpire() (int64, bool, error) {
	var expires sql.NullInt64
	row := zs.db.DB.QueryRow(
		fmt.Sprintf("SELECT MIN(expires) FROM '%s' WHERE expires > 0", zs.addrTable))
	if err := row.Scan(&expires); err != nil {
		return 0, false, err
	}
	if !expires.Valid || expires.Int64 == 0 {
		return 0, false, nil
	}
	return expires.Int64, true, nil
}

// Count returns the number of address rows in the zone.
func (zs *ZoneStore) Count() (int, error) {
	var n int
	row := zs.db.DB.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM '%s'", zs.addrTable))
	err := row.Scan(&n)
	return n, err
}
