package main

import (
	"github.com/onflow/flow-sidetask/cmd/sidetask-sim/cmd"
)

func main() {
	cmd.Execute()
}
