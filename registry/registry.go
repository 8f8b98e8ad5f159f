/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry owns the three zones, routes application calls to the right
// one, dispatches DNS questions by longest suffix and reacts to new
// blocks from the ledger.
type Registry struct {
	Conf *Config

	Realm      *ZoneData
	Validators *ZoneData
	Flash      *ZoneData

	zones cmap.ConcurrentMap[string, *ZoneData]

	ledger   Ledger
	verifier SigVerifier
	upstream *Api

	valmu    sync.Mutex
	valcache validatorCache
	lastVals []ValidatorInfo
}

func NewRegistry(conf *Config, db *RegistryDB, ledger Ledger, verifier SigVerifier) (*Registry, error) {
	realm := dns.Fqdn(strings.ToLower(conf.Registry.Realm))
	if realm == "." {
		return nil, fmt.Errorf("registry.realm is not set")
	}

	reg := &Registry{
		Conf:     conf,
		zones:    cmap.New[*ZoneData](),
		ledger:   ledger,
		verifier: verifier,
	}

	var err error
	if reg.Realm, err = NewZone(realm, "realm", conf.Registry.Zones["realm"], db); err != nil {
		return nil, err
	}
	if reg.Validators, err = NewZone("validators."+realm, "validators", conf.Registry.Zones["validators"], db); err != nil {
		return nil, err
	}
	if reg.Flash, err = NewZone("flash."+realm, "flash", conf.Registry.Zones["flash"], db); err != nil {
		return nil, err
	}

	for _, zd := range []*ZoneData{reg.Realm, reg.Validators, reg.Flash} {
		reg.zones.Set(zd.ZoneName, zd)
		log.Printf("Registry: zone %s role %s", zd.ZoneName, ZoneRoleToString[zd.Role])
	}
	return reg, nil
}

// Start builds the upstream registry client and starts each zone.
func (r *Registry) Start() error {
	if r.Conf.Registry.Upstream != "" {
		r.upstream = NewClient("upstream-registry", r.Conf.Registry.Upstream,
			"", "none", "insecure", Globals.Verbose, Globals.Debug)
	}
	for _, zd := range []*ZoneData{r.Realm, r.Validators, r.Flash} {
		if err := zd.Start(r); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Stop() {
	for _, zd := range []*ZoneData{r.Realm, r.Validators, r.Flash} {
		zd.Stop()
	}
}

// FindZone returns the zone whose root is the longest suffix of qname,
// plus whether the match is exact (qname IS the zone root) rather than a
// descendant. Label comparison folds case; nothing else does.
func (r *Registry) FindZone(qname string) (*ZoneData, bool) {
	name := strings.ToLower(dns.Fqdn(qname))
	exact := true
	for name != "" && name != "." {
		if zd, ok := r.zones.Get(name); ok {
			return zd, exact
		}
		idx := strings.Index(name, ".")
		if idx < 0 {
			break
		}
		name = name[idx+1:]
		exact = false
	}
	return nil, false
}

func (r *Registry) findStakeUTXO(pk PublicKey) (string, error) {
	r.valmu.Lock()
	defer r.valmu.Unlock()
	return r.valcache.FindStakeUTXO(r.ledger, pk)
}

// GetValidator reads a validator registration from the local store.
func (r *Registry) GetValidator(pk PublicKey) (*RegistrationPayload, error) {
	tp, err := r.Validators.Store.GetPayload(pk)
	if err != nil || tp == nil {
		return nil, err
	}
	return &tp.Payload, nil
}

// GetValidatorInternal additionally forwards a local miss to the upstream
// registry and, on a caching zone, installs the returned payload so the
// next lookup is local.
func (r *Registry) GetValidatorInternal(pk PublicKey) (*RegistrationPayload, error) {
	payload, err := r.GetValidator(pk)
	if err != nil || payload != nil {
		return payload, err
	}
	if r.upstream == nil {
		return nil, nil
	}
	payload, err = r.upstream.GetValidator(pk)
	if err != nil || payload == nil {
		return nil, err
	}
	if r.Validators.Role == Caching {
		if err := r.Validators.Register(payload, "", nil); err != nil {
			log.Printf("GetValidatorInternal: cache install for %s failed: %v", pk, err)
		}
	}
	return payload, nil
}

// RegisterValidator is the POST /validator entry point.
func (r *Registry) RegisterValidator(payload *RegistrationPayload, signature string) error {
	return r.Validators.Register(payload, signature, r.findStakeUTXO)
}

// GetFlashNode reads a flash node registration from the local store.
func (r *Registry) GetFlashNode(pk PublicKey) (*RegistrationPayload, error) {
	tp, err := r.Flash.Store.GetPayload(pk)
	if err != nil || tp == nil {
		return nil, err
	}
	return &tp.Payload, nil
}

// RegisterFlashNode validates the channel descriptor against the ledger
// and stores the registration. Flash registrations carry no stake.
func (r *Registry) RegisterFlashNode(payload *RegistrationPayload, signature string, channel KnownChannel) error {
	if err := r.validateChannel(channel); err != nil {
		return err
	}
	return r.Flash.Register(payload, signature, nil)
}

func (r *Registry) validateChannel(channel KnownChannel) error {
	if channel.Conf == "" {
		return fmt.Errorf("%w: empty channel descriptor", ErrChannelInvalid)
	}
	if channel.Height > r.ledger.Height() {
		return fmt.Errorf("%w: height %d beyond chain tip", ErrChannelInvalid, channel.Height)
	}
	blocks := r.ledger.GetBlocksFrom(channel.Height)
	if len(blocks) == 0 || blocks[0].Height != channel.Height {
		return fmt.Errorf("%w: no block at height %d", ErrChannelInvalid, channel.Height)
	}
	for _, hash := range blocks[0].TxHashes {
		if hash == channel.Conf {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in block %d", ErrChannelInvalid, channel.Conf, channel.Height)
}

// OnAcceptedBlock is the chain-driven invalidation hook. On a primary
// validator zone every registration whose penalty deposit has reached
// zero is swept out; on a secondary a changed validator set short-cuts
// the pending SOA poll (the pull-only analogue of a DNS NOTIFY).
func (r *Registry) OnAcceptedBlock() error {
	switch r.Validators.Role {
	case Primary:
		return r.Validators.runSync(func() error {
			keys, err := r.Validators.Store.Keys()
			if err != nil {
				return err
			}
			for _, pk := range keys {
				_, utxo, ok, err := r.Validators.Store.Anchor(pk)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if r.ledger.GetPenaltyDeposit(utxo) == 0 {
					log.Printf("OnAcceptedBlock: validator %s slashed, removing registration", pk)
					if err := r.Validators.Store.Remove(pk); err != nil {
						return err
					}
					r.Validators.BumpSerial()
				}
			}
			return nil
		})

	case Secondary:
		if !r.validatorSetChanged() {
			return nil
		}
		if r.Validators.soaTimer != nil && r.Validators.soaTimer.Pending() {
			r.Validators.soaTimer.Stop()
			r.Validators.enqueue(r.Validators.updateSOA)
		}
	}
	return nil
}

func (r *Registry) validatorSetChanged() bool {
	r.valmu.Lock()
	defer r.valmu.Unlock()

	current := r.ledger.GetValidators(r.ledger.Height())
	changed := len(current) != len(r.lastVals)
	if !changed {
		seen := make(map[PublicKey]string, len(r.lastVals))
		for _, vi := range r.lastVals {
			seen[vi.Address] = vi.UTXO
		}
		for _, vi := range current {
			if utxo, ok := seen[vi.Address]; !ok || utxo != vi.UTXO {
				changed = true
				break
			}
		}
	}
	r.lastVals = current
	return changed
}

// Status summarises the zones for the management API.
func (r *Registry) Status() []ZoneStatus {
	var out []ZoneStatus
	for _, zd := range []*ZoneData{r.Realm, r.Validators, r.Flash} {
		n, err := zd.Store.Count()
		if err != nil {
			log.Printf("Status: zone %s: %v", zd.ZoneName, err)
		}
		out = append(out, ZoneStatus{
			Zone:    zd.ZoneName,
			Role:    ZoneRoleToString[zd.Role],
			Serial:  zd.Serial(),
			Records: n,
		})
	}
	return out
}
