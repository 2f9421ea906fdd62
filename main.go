package main

import (
	"os"

	"github.com/StormyCloudInc/blockseek/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
