// ABOUTME: Stand-in for the agent CLI for manual end-to-end runs of the gateway.
// ABOUTME: Usage: KOINE_FAKE_SCENARIO=echo koine-gateway serve with claude.binary pointing here

package main

import (
	"os"

	"github.com/2389/koine-gateway/internal/fakecli"
)

func main() {
	os.Exit(fakecli.Run(os.Args[1:], os.Getenv(fakecli.EnvScenario), os.Stdout, os.Stderr))
}
