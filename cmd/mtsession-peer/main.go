// mtsession-peer is a reference session peer.
//
// It answers requests by echoing their payload, acknowledges and
// retransmits like a real server, and can advertise itself via DNS-SD.
//
// Usage:
//
//	mtsession-peer [options]
//
// Options:
//
//	-config    TOML or YAML policy file
//	-addr      listen address (default: 127.0.0.1:7464)
//	-mdns      advertise via DNS-SD
//	-instance  DNS-SD instance name (default: random)
//	-broadcast update period (default: off)
//	-log-level trace, debug, info, warn or error (default: info)
//	-log-json  JSON log output
//
// Example:
//
//	mtsession-peer -addr :7464 -mdns -broadcast 5s
package main

import (
	"log"

	"github.com/backkem/mtsession/examples/common"
	"github.com/backkem/mtsession/examples/peer"
)

func main() {
	opts := common.ParseFlags()

	p, err := peer.New(opts)
	if err != nil {
		log.Fatalf("Failed to create peer: %v", err)
	}

	if err := common.RunUntilSignal(p); err != nil {
		log.Fatalf("Peer error: %v", err)
	}
}
