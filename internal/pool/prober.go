package pool

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/store"
	kirotr "github.com/kiroproxy/kiroproxy/internal/translator/kiro"
)

// probeBody is the minimal request shape; probeBodyFallback uses the block
// form some gateway revisions insist on.
var (
	probeBody         = []byte(`{"messages":[{"role":"user","content":"Hi"}],"max_tokens":1}`)
	probeBodyFallback = []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"Hi"}]}],"max_tokens":1}`)
)

// UpstreamProber probes accounts with one tiny assistant call and fetches
// user info on success.
type UpstreamProber struct {
	pool *Pool
	cli  *client.Client
}

// NewUpstreamProber wires a prober over the shared upstream client.
func NewUpstreamProber(p *Pool, cli *client.Client) *UpstreamProber {
	return &UpstreamProber{pool: p, cli: cli}
}

// Probe implements Prober.
func (up *UpstreamProber) Probe(ctx context.Context, acc store.Account, model string) (*UserInfo, error) {
	manager, err := up.pool.Manager(acc.ID)
	if err != nil {
		return nil, err
	}
	if err := manager.EnsureFresh(ctx, false); err != nil {
		return nil, fmt.Errorf("token not usable: %w", err)
	}

	if err := up.sendProbe(ctx, manager, model, probeBody); err != nil {
		var statusErr *client.StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != 400 {
			return nil, err
		}
		// 400 on the minimal shape: try the block form once before
		// declaring the account broken.
		if err := up.sendProbe(ctx, manager, model, probeBodyFallback); err != nil {
			return nil, err
		}
	}

	// User info is best-effort; a probe success stands even if the usage
	// query fails.
	usage, err := up.cli.FetchUsage(ctx, manager)
	if err != nil {
		log.Debugf("usage query after probe failed for %s: %v", acc.ID, err)
		return nil, nil
	}
	email, userID := client.ExtractUserInfo(usage)
	if email == "" && userID == "" {
		return nil, nil
	}
	return &UserInfo{Email: email, UserID: userID}, nil
}

func (up *UpstreamProber) sendProbe(ctx context.Context, manager *kiro.Manager, model string, claudeBody []byte) error {
	body, err := kirotr.BuildRequest(claudeBody, kirotr.Options{
		Model:      model,
		ProfileArn: manager.ProfileArn(),
	})
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := up.cli.Send(ctx, client.Request{Model: model, Body: body, Token: manager})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}
