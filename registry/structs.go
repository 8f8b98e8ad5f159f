/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type ZoneRole uint8

const (
	Primary ZoneRole = iota + 1
	Secondary
	Caching
)

var ZoneRoleToString = map[ZoneRole]string{
	Primary:   "primary",
	Secondary: "secondary",
	Caching:   "caching",
}

// ZoneConf represents the external config for a zone; it contains no zone data.
type ZoneConf struct {
	Authoritative    bool
	SOA              SOAConf
	Primary          string   // address of the primary (secondary only)
	QueryServers     []string `mapstructure:"query_servers"`
	RedirectRegister string   `mapstructure:"redirect_register"`
	AllowTransfer    []string `mapstructure:"allow_transfer"`
}

type SOAConf struct {
	Email   string
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// UpstreamServers returns the servers a replica polls: query_servers when
// given, otherwise the secondary's configured primary.
func (zc ZoneConf) UpstreamServers() []string {
	if len(zc.QueryServers) > 0 {
		return zc.QueryServers
	}
	if zc.Primary != "" {
		return []string{zc.Primary}
	}
	return nil
}

// Role derives the zone role from which config fields are set. The role
// is fixed at construction and never changes at runtime.
func (zc ZoneConf) Role() ZoneRole {
	if zc.Authoritative && zc.SOA.Email != "" {
		return Primary
	}
	if zc.Authoritative {
		return Secondary
	}
	return Caching
}

// ZoneData is the runtime state of one served zone. Timer callbacks and
// API writes run on the zone's task queue; the DNS read path only touches
// the store, which serialises on its own transaction boundaries. On a
// caching zone a DNS miss also installs the fetched rows and rearms the
// eviction timer directly from the DNS path, outside the task queue.
type ZoneData struct {
	mu       sync.Mutex
	ZoneName string // fqdn, lowercase
	Role     ZoneRole
	Conf     ZoneConf

	SOA    dns.SOA
	NS     dns.NS
	SOATtl uint32 // TTL adopted from the last upstream SOA answer

	Store    *ZoneStore
	Resolver Resolver
	Redirect *Api // write redirection client towards the primary (secondary only)

	soaTimer    *Timer
	expireTimer *Timer
	taskq       chan func()
	stopch      chan struct{}

	registry *Registry // injected at Start; used for the signature verifier
	Logger   *log.Logger
	Verbose  bool
}

// RegistrationPayload is what clients sign and POST. The signature is
// carried out of band (see ValidatorPost and FlashNodePost).
type RegistrationPayload struct {
	PublicKey PublicKey `json:"public_key"`
	Seq       uint64    `json:"seq"`
	Addresses []string  `json:"addresses"`
	TTL       uint32    `json:"ttl"`
}

// TypedPayload pairs a registration payload with its derived DNS kind and
// the stake UTXO that anchors it on chain.
type TypedPayload struct {
	Kind    uint16 // dns.TypeA | dns.TypeAAAA | dns.TypeCNAME | dns.TypeURI
	Payload RegistrationPayload
	UTXO    string
}

// KnownChannel describes a flash payment channel, validated against the
// ledger block at Height.
type KnownChannel struct {
	Height uint64 `json:"height"`
	Conf   string `json:"conf"`
}

// SigVerifier checks a registration signature against
// (public_key, seq, addresses). The cryptographic verifier is an external
// collaborator; the engine only consumes this hook.
type SigVerifier func(payload *RegistrationPayload, signature string) error

type Api struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	AuthMethod string
	Verbose    bool
	Debug      bool
}

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Time    time.Time
	Client  string
	Msg     string
	Pings   int
	Pongs   int
	Version string
}

type ValidatorPost struct {
	Payload   RegistrationPayload `json:"payload"`
	Signature string              `json:"signature"`
}

type FlashNodePost struct {
	Payload   RegistrationPayload `json:"payload"`
	Signature string              `json:"signature"`
	Channel   KnownChannel        `json:"channel"`
}

type RegistrationResponse struct {
	Time     time.Time
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

type PayloadResponse struct {
	Time     time.Time
	Payload  *RegistrationPayload `json:"payload,omitempty"`
	Error    bool
	ErrorMsg string
}

type ZoneStatus struct {
	Zone    string
	Role    string
	Serial  uint32
	Records int
}

type ZoneStatusResponse struct {
	Time     time.Time
	Zones    []ZoneStatus
	Error    bool
	ErrorMsg string
}
