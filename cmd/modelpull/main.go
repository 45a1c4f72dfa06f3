package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/kulogix/webmodeldelivery/pkg/cli"
)

func main() {
	cmd, err := cli.NewModelPullRootCommand()
	if err != nil {
		log.Fatalf("%s", err)
	}

	if err = cmd.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}
