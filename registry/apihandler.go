/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("apihandler: error encoding response: %v", err)
	}
}

var pongs int

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var pp PingPost
		if err := decoder.Decode(&pp); err != nil {
			log.Printf("APIping: error decoding ping post: %v", err)
		}
		pongs++
		writeJSON(w, http.StatusOK, PingResponse{
			Time:    time.Now(),
			Client:  r.RemoteAddr,
			Msg:     "pong",
			Pings:   pp.Pings + 1,
			Pongs:   pongs,
			Version: conf.AppVersion,
		})
	}
}

func APIgetValidator(reg *Registry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		pk, err := ParsePublicKey(mux.Vars(r)["pubkey"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, PayloadResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		payload, err := reg.GetValidatorInternal(pk)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, PayloadResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if payload == nil {
			writeJSON(w, http.StatusNotFound, PayloadResponse{Time: time.Now()})
			return
		}
		writeJSON(w, http.StatusOK, PayloadResponse{Time: time.Now(), Payload: payload})
	}
}

func APIpostValidator(reg *Registry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var vp ValidatorPost
		if err := json.NewDecoder(r.Body).Decode(&vp); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if _, err := ParsePublicKey(vp.Payload.PublicKey.String()); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if err := reg.RegisterValidator(&vp.Payload, vp.Signature); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Zone: reg.Validators.ZoneName,
				Error: true, ErrorMsg: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, RegistrationResponse{
			Time: time.Now(), Zone: reg.Validators.ZoneName, Msg: "registered"})
	}
}

func APIgetFlashNode(reg *Registry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		pk, err := ParsePublicKey(mux.Vars(r)["pubkey"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, PayloadResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		payload, err := reg.GetFlashNode(pk)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, PayloadResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if payload == nil {
			writeJSON(w, http.StatusNotFound, PayloadResponse{Time: time.Now()})
			return
		}
		writeJSON(w, http.StatusOK, PayloadResponse{Time: time.Now(), Payload: payload})
	}
}

func APIpostFlashNode(reg *Registry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var fp FlashNodePost
		if err := json.NewDecoder(r.Body).Decode(&fp); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if _, err := ParsePublicKey(fp.Payload.PublicKey.String()); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Error: true, ErrorMsg: err.Error()})
			return
		}
		if err := reg.RegisterFlashNode(&fp.Payload, fp.Signature, fp.Channel); err != nil {
			writeJSON(w, http.StatusBadRequest, RegistrationResponse{
				Time: time.Now(), Zone: reg.Flash.ZoneName,
				Error: true, ErrorMsg: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, RegistrationResponse{
			Time: time.Now(), Zone: reg.Flash.ZoneName, Msg: "registered"})
	}
}

func APIzoneStatus(reg *Registry) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ZoneStatusResponse{
			Time:  time.Now(),
			Zones: reg.Status(),
		})
	}
}
