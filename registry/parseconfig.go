/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"
)

func ParseConfig(conf *Config, reload bool) error {
	if Globals.Debug {
		log.Printf("Enter ParseConfig")
	}
	cfgfile := conf.Internal.CfgFile
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	viper.SetConfigFile(cfgfile)

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		log.Fatalf("Could not load config %s: Error: %v", cfgfile, err)
	}

	if err := viper.Unmarshal(conf); err != nil {
		log.Fatalf("ParseConfig: Unmarshal error: %v", err)
	}

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}

	ValidateConfig(nil, cfgfile)

	// The three zones are fixed; an absent section just means an all-default
	// caching zone, which is the safe fallback.
	if conf.Registry.Zones == nil {
		conf.Registry.Zones = map[string]ZoneConf{}
	}
	for _, name := range []string{"realm", "validators", "flash"} {
		if _, ok := conf.Registry.Zones[name]; !ok {
			log.Printf("ParseConfig: no config for zone %q, defaulting to caching", name)
			conf.Registry.Zones[name] = ZoneConf{}
		}
		zc := conf.Registry.Zones[name]
		if zc.Role() == Secondary && len(zc.UpstreamServers()) == 0 {
			log.Fatalf("ParseConfig: zone %q is secondary but has neither primary nor query_servers", name)
		}
	}

	if !reload {
		db, err := NewRegistryDB(conf.Db.File)
		if err != nil {
			return fmt.Errorf("ParseConfig: %v", err)
		}
		conf.Internal.DB = db
	}
	return nil
}
