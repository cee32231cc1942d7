package main

import "github.com/go-fleetgate/fleetgate/cmd/edgeagent/commands"

func main() {
	commands.Execute()
}
