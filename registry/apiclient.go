/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

// Client side API calls: used by the CLI, by a secondary's write
// redirection towards the primary, and by the upstream lookup path.

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
)

func NewClient(name, baseurl, apikey, authmethod, rootcafile string, verbose, debug bool) *Api {
	api := Api{
		Name:       name,
		BaseUrl:    baseurl,
		apiKey:     apikey,
		AuthMethod: authmethod,
	}

	if rootcafile == "insecure" {
		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		}
	} else if rootcafile == "" {
		api.Client = &http.Client{}
	} else {
		rootCAPool := x509.NewCertPool()
		rootCA, err := os.ReadFile(rootcafile)
		if err != nil {
			log.Fatalf("reading cert failed : %v", err)
		}
		rootCAPool.AppendCertsFromPEM(rootCA)
		api.Client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					RootCAs: rootCAPool,
				},
			},
		}
	}
	api.Verbose = verbose
	api.Debug = debug
	return &api
}

func (api *Api) url(endpoint string) string {
	return api.BaseUrl + endpoint
}

func (api *Api) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if api.apiKey != "" {
		req.Header.Set("X-API-Key", api.apiKey)
	}
}

// Post sends data as JSON and returns the status code and body.
func (api *Api) Post(endpoint string, data interface{}) (int, []byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return 0, nil, err
	}
	if api.Debug {
		log.Printf("api %s: POST %s: %s", api.Name, api.url(endpoint), string(body))
	}
	req, err := http.NewRequest(http.MethodPost, api.url(endpoint), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	api.setHeaders(req)
	resp, err := api.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	return resp.StatusCode, buf, err
}

func (api *Api) Get(endpoint string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, api.url(endpoint), nil)
	if err != nil {
		return 0, nil, err
	}
	api.setHeaders(req)
	resp, err := api.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	return resp.StatusCode, buf, err
}

// RegisterValidator posts a signed validator registration.
func (api *Api) RegisterValidator(payload *RegistrationPayload, signature string) error {
	status, buf, err := api.Post("/api/v1/validator", ValidatorPost{
		Payload:   *payload,
		Signature: signature,
	})
	if err != nil {
		return err
	}
	var rr RegistrationResponse
	if err := json.Unmarshal(buf, &rr); err != nil {
		return fmt.Errorf("RegisterValidator: bad response (status %d): %v", status, err)
	}
	if rr.Error {
		return fmt.Errorf("%s", rr.ErrorMsg)
	}
	return nil
}

// GetValidator fetches a validator registration; a miss is (nil, nil).
func (api *Api) GetValidator(pk PublicKey) (*RegistrationPayload, error) {
	status, buf, err := api.Get("/api/v1/validator/" + pk.String())
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	var pr PayloadResponse
	if err := json.Unmarshal(buf, &pr); err != nil {
		return nil, fmt.Errorf("GetValidator: bad response (status %d): %v", status, err)
	}
	if pr.Error {
		return nil, fmt.Errorf("%s", pr.ErrorMsg)
	}
	return pr.Payload, nil
}

// RegisterFlashNode posts a signed flash node registration.
func (api *Api) RegisterFlashNode(payload *RegistrationPayload, signature string, channel KnownChannel) error {
	status, buf, err := api.Post("/api/v1/flash_node", FlashNodePost{
		Payload:   *payload,
		Signature: signature,
		Channel:   channel,
	})
	if err != nil {
		return err
	}
	var rr RegistrationResponse
	if err := json.Unmarshal(buf, &rr); err != nil {
		return fmt.Errorf("RegisterFlashNode: bad response (status %d): %v", status, err)
	}
	if rr.Error {
		return fmt.Errorf("%s", rr.ErrorMsg)
	}
	return nil
}

// GetFlashNode fetches a flash node registration; a miss is (nil, nil).
func (api *Api) GetFlashNode(pk PublicKey) (*RegistrationPayload, error) {
	status, buf, err := api.Get("/api/v1/flash_node/" + pk.String())
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	var pr PayloadResponse
	if err := json.Unmarshal(buf, &pr); err != nil {
		return nil, fmt.Errorf("GetFlashNode: bad response (status %d): %v", status, err)
	}
	if pr.Error {
		return nil, fmt.Errorf("%s", pr.ErrorMsg)
	}
	return pr.Payload, nil
}
