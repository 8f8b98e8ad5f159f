/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	AppName          string
	AppVersion       string
	AppDate          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
	Service          ServiceConf
	DnsEngine        DnsEngineConf
	ApiServer        ApiServerConf `mapstructure:"apiserver"`
	Registry         RegistryConf
	Db               DbConf
	Log              struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type DnsEngineConf struct {
	Addresses []string `validate:"required"`
}

type ApiServerConf struct {
	Address string `validate:"required"`
	ApiKey  string `mapstructure:"apikey"`
}

type RegistryConf struct {
	Realm    string `validate:"required"`
	Upstream string // base URL of an upstream registry API, if any
	Zones    map[string]ZoneConf
}

type DbConf struct {
	File string `validate:"required"`
}

type InternalConf struct {
	CfgFile   string
	DB        *RegistryDB
	APIStopCh chan struct{}
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["db"] = config.Db
	configsections["apiserver"] = config.ApiServer
	configsections["dnsengine"] = config.DnsEngine
	configsections["registry"] = config.Registry

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config %q is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		if Globals.Verbose {
			log.Printf("%s: Validating config for %s section", strings.ToUpper(config.AppName), k)
		}
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.AppName), cfgfile, k, err)
		}
	}
	return nil
}

func (conf *Config) ReloadConfig() (string, error) {
	err := ParseConfig(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("Error parsing config: %v", err)
	}
	conf.ServerConfigTime = time.Now()
	return "Config reloaded.", err
}
