package main

import (
	"log"

	"github.com/cordum/policyhub/core/controlplane/policyapi"
	"github.com/cordum/policyhub/core/infra/buildinfo"
	"github.com/cordum/policyhub/core/infra/config"
)

func main() {
	buildinfo.Log("policyhub-api")
	cfg := config.Load()
	if err := policyapi.Run(cfg); err != nil {
		log.Fatalf("policy api error: %v", err)
	}
}
