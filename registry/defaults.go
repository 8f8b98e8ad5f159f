/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

const DefaultCfgFile = "/etc/agora-registry/registryd.yaml"

const (
	// Floor for rearming the SOA poll timer: a refresh, retry or soa_ttl
	// below it (zero included) is raised to it.
	MinRefreshInterval = 90 // seconds

	// Smallest and largest UDP payload sizes we negotiate via EDNS(0).
	MinUDPSize = 512
	MaxUDPSize = 4096

	// Service and protocol labels prepended to the pubkey label for URI records.
	ServiceLabel = "_agora"
	ProtoLabel   = "_tcp"
)

type AppDetails struct {
	Name    string
	Version string
	Date    string
}

type GlobalStuff struct {
	Verbose bool
	Debug   bool
	App     AppDetails
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}
