/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// logRoutes lists the registered endpoints at startup.
func logRoutes(router *mux.Router, address string) {
	log.Printf("logRoutes: API endpoints on %s:", address)
	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for _, m := range methods {
			log.Printf("logRoutes: %-6s %s", m, path)
		}
		return nil
	})
	if err != nil {
		log.Printf("logRoutes: %v", err)
	}
}

// SetupAPIRouter wires the registration endpoints (open: peers and the
// secondary's write redirection use them) and the management endpoints
// (gated by the X-API-Key header).
func SetupAPIRouter(conf *Config, reg *Registry) (*mux.Router, error) {
	r := mux.NewRouter().StrictSlash(true)

	sr := r.PathPrefix("/api/v1").Subrouter()
	sr.HandleFunc("/validator/{pubkey}", APIgetValidator(reg)).Methods("GET")
	sr.HandleFunc("/validator", APIpostValidator(reg)).Methods("POST")
	sr.HandleFunc("/flash_node/{pubkey}", APIgetFlashNode(reg)).Methods("GET")
	sr.HandleFunc("/flash_node", APIpostFlashNode(reg)).Methods("POST")

	apikey := conf.ApiServer.ApiKey
	if apikey != "" {
		mr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()
		mr.HandleFunc("/ping", APIping(conf)).Methods("POST")
		mr.HandleFunc("/zone/status", APIzoneStatus(reg)).Methods("POST")
	}

	return r, nil
}

// APIdispatcher runs the HTTP API until the process exits.
func APIdispatcher(conf *Config, reg *Registry, done chan struct{}) {
	router, err := SetupAPIRouter(conf, reg)
	if err != nil {
		log.Fatalf("APIdispatcher: %v", err)
	}
	address := conf.ApiServer.Address
	if Globals.Verbose {
		logRoutes(router, address)
	}

	go func() {
		log.Printf("APIdispatcher: serving on %s", address)
		if err := http.ListenAndServe(address, router); err != nil {
			log.Printf("APIdispatcher: %v", err)
		}
		close(done)
	}()
}
