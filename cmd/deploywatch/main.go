package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/Digital-Botschafter-und-mehr/datatools-server/pkg/logger"
)

func main() {
	logger.SetLogrus(*logger.DefaultConfig())

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running deploywatch")
	}
}
