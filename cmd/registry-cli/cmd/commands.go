/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosagora/agora-registry/registry"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send a ping to the registry API to verify that it is alive",
	Run: func(cmd *cobra.Command, args []string) {
		status, buf, err := api.Post("/api/v1/ping", registry.PingPost{Msg: "ping", Pings: 1})
		if err != nil {
			log.Fatalf("Error from ping: %v", err)
		}
		var pr registry.PingResponse
		if err := json.Unmarshal(buf, &pr); err != nil {
			log.Fatalf("Error parsing ping response (status %d): %v", status, err)
		}
		fmt.Printf("%s: %s (version %s, pings %d, pongs %d, time %s)\n",
			server, pr.Msg, pr.Version, pr.Pings, pr.Pongs, pr.Time.Format(time.RFC3339))
	},
}

var validatorCmd = &cobra.Command{
	Use:   "validator",
	Short: "Prefix command to get or post validator registrations; do not use alone",
}

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Prefix command to get or post flash node registrations; do not use alone",
}

var validatorGetCmd = &cobra.Command{
	Use:   "get <pubkey>",
	Short: "Fetch the registration payload for a validator public key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pk, err := registry.ParsePublicKey(args[0])
		if err != nil {
			log.Fatalf("Bad public key: %v", err)
		}
		payload, err := api.GetValidator(pk)
		if err != nil {
			log.Fatalf("Error from registry: %v", err)
		}
		printPayload(payload)
	},
}

var validatorPostCmd = &cobra.Command{
	Use:   "post <file>",
	Short: "Post a signed validator registration read from a JSON file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var vp registry.ValidatorPost
		readJSONFile(args[0], &vp)
		if err := api.RegisterValidator(&vp.Payload, vp.Signature); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		fmt.Printf("Registered %s (seq %d)\n", vp.Payload.PublicKey, vp.Payload.Seq)
	},
}

var flashGetCmd = &cobra.Command{
	Use:   "get <pubkey>",
	Short: "Fetch the registration payload for a flash node public key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pk, err := registry.ParsePublicKey(args[0])
		if err != nil {
			log.Fatalf("Bad public key: %v", err)
		}
		payload, err := api.GetFlashNode(pk)
		if err != nil {
			log.Fatalf("Error from registry: %v", err)
		}
		printPayload(payload)
	},
}

var flashPostCmd = &cobra.Command{
	Use:   "post <file>",
	Short: "Post a signed flash node registration read from a JSON file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var fp registry.FlashNodePost
		readJSONFile(args[0], &fp)
		if err := api.RegisterFlashNode(&fp.Payload, fp.Signature, fp.Channel); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		fmt.Printf("Registered %s (seq %d)\n", fp.Payload.PublicKey, fp.Payload.Seq)
	},
}

var zoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Prefix command for zone operations; do not use alone",
}

var zoneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show role, serial and record count for the served zones",
	Run: func(cmd *cobra.Command, args []string) {
		status, buf, err := api.Post("/api/v1/zone/status", struct{}{})
		if err != nil {
			log.Fatalf("Error from registry: %v", err)
		}
		var zr registry.ZoneStatusResponse
		if err := json.Unmarshal(buf, &zr); err != nil {
			log.Fatalf("Error parsing response (status %d): %v", status, err)
		}
		for _, z := range zr.Zones {
			fmt.Printf("%-30s %-10s serial %-12d %d records\n", z.Zone, z.Role, z.Serial, z.Records)
		}
	},
}

func readJSONFile(file string, v interface{}) {
	buf, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("Error reading %s: %v", file, err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		log.Fatalf("Error parsing %s: %v", file, err)
	}
}

func printPayload(payload *registry.RegistrationPayload) {
	if payload == nil {
		fmt.Println("Not registered.")
		return
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Fatalf("Error formatting payload: %v", err)
	}
	fmt.Println(string(out))
}

func init() {
	rootCmd.AddCommand(pingCmd, validatorCmd, flashCmd, zoneCmd)
	validatorCmd.AddCommand(validatorGetCmd, validatorPostCmd)
	flashCmd.AddCommand(flashGetCmd, flashPostCmd)
	zoneCmd.AddCommand(zoneStatusCmd)
}
