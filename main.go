// Command hmi-sync is the live telemetry client and simulator for grid HMI diagrams.
package main

import "yqhp/hmi-sync/cmd"

func main() {
	cmd.Execute()
}
