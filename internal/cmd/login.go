package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/store"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

const defaultStartURL = "https://view.awsapps.com/start"

// DoLogin runs the interactive device login: it opens the verification page
// in a browser, waits for approval, writes the credentials file and registers
// the account in the pool.
func DoLogin(cfg *config.Config, startURL, region, name string) {
	if startURL == "" {
		startURL = defaultStartURL
	}

	httpClient := util.NewHTTPClient(cfg.ProxyURL, 0)
	flow := kiro.NewDeviceFlow(region, httpClient)
	ctx := context.Background()

	da, err := flow.StartDeviceAuthorization(ctx, startURL)
	if err != nil {
		log.Fatalf("start device authorization: %v", err)
	}

	log.Infof("Visit %s and enter code %s", da.VerificationURI, da.UserCode)
	target := da.VerificationURIComplete
	if target == "" {
		target = da.VerificationURI
	}
	if err := open.Run(target); err != nil {
		log.Warnf("could not open browser automatically: %v", err)
	}

	log.Info("Waiting for approval...")
	creds, err := flow.PollDeviceToken(ctx, da)
	if err != nil {
		log.Fatalf("device login failed: %v", err)
	}

	if err := os.MkdirAll(cfg.AuthDir, 0o755); err != nil {
		log.Fatalf("create auth directory: %v", err)
	}
	id := uuid.New().String()
	credsPath := filepath.Join(cfg.AuthDir, id+".json")
	if err := kiro.SaveCredentials(credsPath, creds); err != nil {
		log.Fatalf("save credentials: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open account store: %v", err)
	}
	defer func() { _ = st.Close() }()

	now := time.Now()
	if err := st.Upsert(store.Account{
		ID:          id,
		Name:        name,
		Credentials: credsPath,
		AuthMethod:  creds.AuthMethod,
		Region:      creds.Region,
		Healthy:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		log.Fatalf("register account: %v", err)
	}

	log.Infof("Login complete. Account %s saved to %s", id, credsPath)
}
