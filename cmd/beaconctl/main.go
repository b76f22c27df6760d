package main

import (
	"log"

	"github.com/austindbirch/harbor_beacon/beacon"
	"github.com/austindbirch/harbor_beacon/cmd/beaconctl/cmd"
)

func main() {
	// beaconctl re-executes itself as the delivery worker
	beacon.ServeIfWorker()

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
