package main

import (
	"flag"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/cmd"
	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/logging"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.Parse()

	if configPath == "" {
		wd, errWd := os.Getwd()
		if errWd != nil {
			log.Fatalf("failed to get working directory: %v", errWd)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, errLoad := config.LoadConfigOrDefault(configPath)
	if errLoad != nil {
		log.Fatalf("failed to load config: %v", errLoad)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	cmd.StartService(cfg, configPath)
}
