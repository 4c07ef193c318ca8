// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gateway runs the Ollama-compatible model gateway: a reverse
// proxy that routes inference requests across a fleet of local and
// external Ollama-speaking backends by model size, health, and load.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "A model-aware reverse-proxy gateway for Ollama backends",
	Long: `gateway routes inbound Ollama API requests to a fleet of local and
external backend nodes, matching each request's model against node
hardware ranges and health, and load-balancing across the survivors.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}
