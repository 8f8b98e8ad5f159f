/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bosagora/agora-registry/registry"
)

var appVersion = "v0.1.0"

func mainloop(conf *registry.Config, reg *registry.Registry) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				reg.Stop()
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Reloading config.")
				if _, err := conf.ReloadConfig(); err != nil {
					log.Printf("mainloop: error reloading config: %v", err)
				}
			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: API server stopped. Cleaning up.")
				reg.Stop()
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

// blockWatcher polls the ledger tip and runs the chain-driven
// invalidation hook whenever a new block lands.
func blockWatcher(reg *registry.Registry, ledger registry.Ledger, stopch chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	last := ledger.Height()
	for {
		select {
		case <-ticker.C:
			height := ledger.Height()
			if height > last {
				last = height
				if err := reg.OnAcceptedBlock(); err != nil {
					log.Printf("blockWatcher: %v", err)
				}
			}
		case <-stopch:
			return
		}
	}
}

func main() {
	var conf registry.Config

	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()
	conf.AppVersion = appVersion
	conf.AppName = "agora-registryd"

	flag.StringVar(&conf.Internal.CfgFile, "config", registry.DefaultCfgFile, "Config file")
	flag.BoolVarP(&registry.Globals.Debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&registry.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	err := registry.ParseConfig(&conf, false) // false: not reload, initial parsing
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	logfile := viper.GetString("log.file")
	registry.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("%s version %s starting.\n", conf.AppName, appVersion)

	// A standalone daemon has no chain view: stake binding and flash
	// channel checks need the registry embedded in a node. Secondary and
	// caching zones are fully functional.
	ledger := registry.UnbackedLedger{}

	reg, err := registry.NewRegistry(&conf, conf.Internal.DB, ledger, nil)
	if err != nil {
		log.Fatalf("Error creating registry: %v", err)
	}
	if err := reg.Start(); err != nil {
		log.Fatalf("Error starting registry: %v", err)
	}

	if err := registry.DnsEngine(&conf, reg); err != nil {
		log.Fatalf("Error starting DNS engine: %v", err)
	}

	apistopper := make(chan struct{})
	conf.Internal.APIStopCh = apistopper
	registry.APIdispatcher(&conf, reg, apistopper)

	watchstop := make(chan struct{})
	go blockWatcher(reg, ledger, watchstop)
	defer close(watchstop)

	mainloop(&conf, reg)
}
