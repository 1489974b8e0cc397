// mtsession-client keeps a session to a peer open and sends a request every
// interval, logging round trips, reconnects and delivery failures.
//
// Usage:
//
//	mtsession-client [options]
//
// Options:
//
//	-config    TOML or YAML policy file
//	-addr      peer address (default: 127.0.0.1:7464)
//	-mdns      resolve the peer via DNS-SD before every connect
//	-instance  DNS-SD instance to look up (default: first found)
//	-interval  request period (default: 1s)
//	-size      payload size (default: 32)
//	-metrics   address to serve /metrics on
//	-log-level trace, debug, info, warn or error (default: info)
//	-log-json  JSON log output
//
// Example:
//
//	MTSESSION_MTPROTO_RESEND_TIMEOUT=5s mtsession-client -mdns -metrics :9464
package main

import (
	"log"

	"github.com/backkem/mtsession/examples/client"
	"github.com/backkem/mtsession/examples/common"
)

func main() {
	opts := common.ParseFlags()

	c, err := client.New(opts)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if err := common.RunUntilSignal(c); err != nil {
		log.Fatalf("Client error: %v", err)
	}
}
