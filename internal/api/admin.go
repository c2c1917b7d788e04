package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/constant"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

const (
	usageCacheTTL = 5 * time.Minute

	defaultStartURL = "https://view.awsapps.com/start"
)

type accountView struct {
	store.Account
	Status string `json:"status"`
}

func statusOf(acc store.Account) string {
	switch {
	case !acc.Healthy || acc.Disabled:
		return "banned"
	case acc.ErrorCount > 0:
		return "checking"
	default:
		return "healthy"
	}
}

// ListAccounts returns every account with its classification tag and the
// aggregate counts.
func (s *Server) ListAccounts(c *gin.Context) {
	accounts := s.pool.List()
	views := make([]accountView, 0, len(accounts))
	counts := map[string]int{}
	for _, acc := range accounts {
		status := statusOf(acc)
		counts[status]++
		views = append(views, accountView{Account: acc, Status: status})
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": views,
		"total":    len(accounts),
		"healthy":  counts["healthy"],
		"checking": counts["checking"],
		"banned":   counts["banned"],
	})
}

// AddAccount registers a new account. Missing ids are generated; new
// accounts start healthy.
func (s *Server) AddAccount(c *gin.Context) {
	var acc store.Account
	if err := c.ShouldBindJSON(&acc); err != nil {
		adminError(c, http.StatusBadRequest, fmt.Errorf("invalid account body: %w", err))
		return
	}
	if acc.Credentials == "" {
		adminError(c, http.StatusBadRequest, errors.New("credentials_file is required"))
		return
	}
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	now := time.Now()
	acc.Healthy = true
	acc.ErrorCount = 0
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	if err := s.pool.Add(acc); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, accountView{Account: acc, Status: statusOf(acc)})
}

// DeleteAccount removes one account.
func (s *Server) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.pool.Get(id); !ok {
		adminError(c, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}
	if err := s.pool.Remove(id); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ToggleAccount flips the operator disable switch.
func (s *Server) ToggleAccount(c *gin.Context) {
	id := c.Param("id")
	acc, ok := s.pool.Get(id)
	if !ok {
		adminError(c, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}
	if err := s.pool.SetDisabled(id, !acc.Disabled); err != nil {
		adminError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "disabled": !acc.Disabled})
}

// HealthCheckAccount runs one forced probe against a single account.
func (s *Server) HealthCheckAccount(c *gin.Context) {
	id := c.Param("id")
	model := c.Query("model")
	if model == "" {
		model = constant.DefaultProbeModel
	}
	if err := s.pool.CheckAccount(c.Request.Context(), s.prober, id, model); err != nil {
		adminError(c, http.StatusConflict, err)
		return
	}
	acc, ok := s.pool.Get(id)
	if !ok {
		adminError(c, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}
	out := gin.H{"success": acc.Healthy, "modelName": model}
	if !acc.Healthy {
		out["error"] = acc.LastErrorMessage
	}
	c.JSON(http.StatusOK, out)
}

// HealthCheckAll runs a forced probe over the whole pool.
func (s *Server) HealthCheckAll(c *gin.Context) {
	result := s.pool.PerformHealthChecks(c.Request.Context(), s.prober, pool.HealthCheckOptions{
		Force:       true,
		Concurrency: s.cfg.HealthCheckConcurrency,
	})
	c.JSON(http.StatusOK, gin.H{
		"checked":   result.Checked,
		"healthy":   result.Healthy,
		"unhealthy": result.Unhealthy,
		"skipped":   result.Skipped,
	})
}

// ResetHealth clears failure state on every account without probing.
func (s *Server) ResetHealth(c *gin.Context) {
	accounts := s.pool.List()
	for _, acc := range accounts {
		s.pool.MarkSuccess(acc.ID)
	}
	c.JSON(http.StatusOK, gin.H{"reset": len(accounts)})
}

// BatchDelete removes a set of accounts in one call.
func (s *Server) BatchDelete(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		adminError(c, http.StatusBadRequest, errors.New("ids is required"))
		return
	}
	deleted := 0
	for _, id := range req.IDs {
		if _, ok := s.pool.Get(id); !ok {
			continue
		}
		if err := s.pool.Remove(id); err != nil {
			log.Errorf("batch delete %s: %v", id, err)
			continue
		}
		deleted++
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// CleanupDuplicates groups accounts by cached user id, keeps the first of
// each group and removes the rest. With dryRun it only reports the plan.
// Credentials files are deleted only when no surviving account references
// the same path.
func (s *Server) CleanupDuplicates(c *gin.Context) {
	var req struct {
		DryRun bool `json:"dryRun"`
	}
	_ = c.ShouldBindJSON(&req)
	dryRun := req.DryRun || c.Query("dryRun") == "true"

	accounts := s.pool.List()
	keeper := map[string]string{}
	var extras []store.Account
	duplicates := make([]gin.H, 0)
	for _, acc := range accounts {
		uid := acc.CachedUserID
		if uid == "" {
			continue
		}
		if first, ok := keeper[uid]; ok {
			extras = append(extras, acc)
			duplicates = append(duplicates, gin.H{"id": acc.ID, "duplicateOf": first})
		} else {
			keeper[uid] = acc.ID
		}
	}
	summary := gin.H{"total": len(accounts), "duplicates": len(extras)}

	if dryRun {
		c.JSON(http.StatusOK, gin.H{"duplicates": duplicates, "summary": summary})
		return
	}

	refs := map[string]int{}
	for _, acc := range accounts {
		refs[acc.Credentials]++
	}
	deleted := 0
	var removedFiles []string
	for _, acc := range extras {
		if err := s.pool.Remove(acc.ID); err != nil {
			log.Errorf("cleanup duplicates, remove %s: %v", acc.ID, err)
			continue
		}
		deleted++
		refs[acc.Credentials]--
		if refs[acc.Credentials] > 0 {
			continue
		}
		if info, err := os.Stat(acc.Credentials); err == nil && !info.IsDir() {
			if err := os.Remove(acc.Credentials); err != nil {
				log.Warnf("cleanup duplicates, remove credentials file %s: %v", acc.Credentials, err)
			} else {
				removedFiles = append(removedFiles, acc.Credentials)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"duplicates": duplicates, "summary": summary, "deleted": deleted, "removed_files": removedFiles})
}

type usageEntry struct {
	AccountID string          `json:"account_id"`
	Email     string          `json:"email,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	CachedAt  time.Time       `json:"cached_at,omitzero"`
	Error     string          `json:"error,omitempty"`
}

// Usage returns the usage-limits view for every account, served from the
// usage cache unless refresh=true or the entry is stale. Upstream fetches
// fan out with bounded concurrency.
func (s *Server) Usage(c *gin.Context) {
	refresh := c.Query("refresh") == "true"
	accounts := s.pool.List()

	cached := map[string]*store.UsageCacheEntry{}
	if batch, err := s.st.GetUsageCacheBatch(); err != nil {
		log.Errorf("load usage cache: %v", err)
	} else {
		cached = batch
	}

	now := time.Now()
	entries := make([]usageEntry, len(accounts))
	var toFetch []int
	for i, acc := range accounts {
		entries[i] = usageEntry{AccountID: acc.ID, Email: acc.CachedEmail}
		entry := cached[acc.ID]
		if !refresh && entry != nil && !entry.Expired(now) {
			entries[i].Usage = json.RawMessage(entry.Data)
			entries[i].CachedAt = entry.CachedAt
			continue
		}
		toFetch = append(toFetch, i)
	}

	if len(toFetch) > 0 {
		concurrency := s.cfg.UsageQueryConcurrency
		if concurrency <= 0 {
			concurrency = 10
		}
		sem := semaphore.NewWeighted(int64(concurrency))
		var wg sync.WaitGroup
		for _, i := range toFetch {
			if err := sem.Acquire(c.Request.Context(), 1); err != nil {
				break
			}
			wg.Add(1)
			go func(i int, acc store.Account) {
				defer func() {
					sem.Release(1)
					wg.Done()
				}()
				data, err := s.fetchUsage(c.Request.Context(), acc)
				if err != nil {
					entries[i].Error = err.Error()
					return
				}
				entries[i].Usage = data
				entries[i].CachedAt = time.Now()
			}(i, accounts[i])
		}
		wg.Wait()
	}

	c.JSON(http.StatusOK, gin.H{"usage": entries})
}

// UsageOne returns the usage view for a single account.
func (s *Server) UsageOne(c *gin.Context) {
	id := c.Param("id")
	acc, ok := s.pool.Get(id)
	if !ok {
		adminError(c, http.StatusNotFound, fmt.Errorf("account %s not found", id))
		return
	}

	if c.Query("refresh") != "true" {
		if entry, err := s.st.GetUsageCache(id); err == nil && entry != nil && !entry.Expired(time.Now()) {
			c.JSON(http.StatusOK, usageEntry{
				AccountID: id,
				Email:     acc.CachedEmail,
				Usage:     json.RawMessage(entry.Data),
				CachedAt:  entry.CachedAt,
			})
			return
		}
	}

	data, err := s.fetchUsage(c.Request.Context(), acc)
	if err != nil {
		adminError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, usageEntry{
		AccountID: id,
		Email:     acc.CachedEmail,
		Usage:     data,
		CachedAt:  time.Now(),
	})
}

// fetchUsage queries upstream, refreshes the cache entry and back-fills the
// identity fields used for duplicate detection.
func (s *Server) fetchUsage(ctx context.Context, acc store.Account) (json.RawMessage, error) {
	manager, err := s.pool.Manager(acc.ID)
	if err != nil {
		return nil, err
	}
	if err := manager.EnsureFresh(ctx, false); err != nil {
		return nil, err
	}
	data, err := s.cli.FetchUsage(ctx, manager)
	if err != nil {
		return nil, err
	}
	if err := s.st.SetUsageCache(acc.ID, data, usageCacheTTL); err != nil {
		log.Errorf("cache usage for %s: %v", acc.ID, err)
	}
	// Back-fill identity so duplicate cleanup has something to group on.
	email, userID := client.ExtractUserInfo(data)
	if err := s.pool.UpdateIdentity(acc.ID, pool.UserInfo{Email: email, UserID: userID}); err != nil {
		log.Errorf("back-fill identity for %s: %v", acc.ID, err)
	}
	return data, nil
}

// GenerateAuthURL starts a device login and completes it in the background;
// the approved account is added to the pool with its credentials written to
// the auth directory.
func (s *Server) GenerateAuthURL(c *gin.Context) {
	var req struct {
		StartURL string `json:"startUrl"`
		Region   string `json:"region"`
		Name     string `json:"name"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.StartURL == "" {
		req.StartURL = defaultStartURL
	}

	flow := kiro.NewDeviceFlow(req.Region, s.httpClient)
	da, err := flow.StartDeviceAuthorization(c.Request.Context(), req.StartURL)
	if err != nil {
		adminError(c, http.StatusBadGateway, err)
		return
	}
	go s.completeDeviceLogin(flow, da, req.Name)

	c.JSON(http.StatusOK, gin.H{
		"userCode":                da.UserCode,
		"verificationUri":         da.VerificationURI,
		"verificationUriComplete": da.VerificationURIComplete,
		"expiresIn":               da.ExpiresIn,
	})
}

func (s *Server) completeDeviceLogin(flow *kiro.DeviceFlow, da *kiro.DeviceAuthorization, name string) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(da.ExpiresIn)*time.Second+time.Minute)
	defer cancel()

	creds, err := flow.PollDeviceToken(ctx, da)
	if err != nil {
		log.Errorf("device login failed: %v", err)
		return
	}

	id := uuid.New().String()
	if err := os.MkdirAll(s.cfg.AuthDir, 0o755); err != nil {
		log.Errorf("create auth dir: %v", err)
		return
	}
	path := filepath.Join(s.cfg.AuthDir, id+".json")
	if err := kiro.SaveCredentials(path, creds); err != nil {
		log.Errorf("save credentials: %v", err)
		return
	}

	now := time.Now()
	if err := s.pool.Add(store.Account{
		ID:          id,
		Name:        name,
		Credentials: path,
		AuthMethod:  creds.AuthMethod,
		Region:      creds.Region,
		Healthy:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		log.Errorf("add device login account: %v", err)
		return
	}
	log.Infof("device login completed, account %s added to the pool", id)
}
