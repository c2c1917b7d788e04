package main

import (
	"flag"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/cmd"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/logging"
)

func main() {
	var (
		login      bool
		startURL   string
		region     string
		name       string
		configPath string
	)
	flag.BoolVar(&login, "login", false, "run the device login flow instead of the server")
	flag.StringVar(&startURL, "start-url", "", "SSO start URL for device login")
	flag.StringVar(&region, "region", "", "region for device login")
	flag.StringVar(&name, "name", "", "display name of the new account")
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.Setup()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.SetDebug(cfg.Debug)

	if login {
		cmd.DoLogin(cfg, startURL, region, name)
		return
	}
	cmd.StartService(cfg, configPath)
}
