// Package pool owns the in-memory account pool: round-robin selection,
// failure accounting, operator toggles and periodic health checks. The
// durable copy lives behind store.Store; the pool is the single writer
// within a process.
package pool

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/client"
	"github.com/kiroproxy/kiroproxy/internal/store"
)

// ErrNoAccounts means no healthy, enabled account can serve the request.
var ErrNoAccounts = errors.New("no available account in pool")

// Pool is the process-wide account pool.
type Pool struct {
	mu sync.Mutex

	st       store.Store
	accounts map[string]*store.Account
	order    []string

	// cursors key round-robin progress per model filter, so different
	// filter sets rotate independently.
	cursors map[string]int

	managers map[string]*kiro.Manager
	checking map[string]bool

	lastRetryableError map[string]string

	httpClient    *http.Client
	maxErrorCount int
}

// New loads the pool from the store.
func New(st store.Store, httpClient *http.Client, maxErrorCount int) (*Pool, error) {
	if maxErrorCount <= 0 {
		maxErrorCount = 3
	}
	p := &Pool{
		st:                 st,
		cursors:            map[string]int{},
		managers:           map[string]*kiro.Manager{},
		checking:           map[string]bool{},
		lastRetryableError: map[string]string{},
		httpClient:         httpClient,
		maxErrorCount:      maxErrorCount,
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the in-memory pool with the store's contents. Token
// managers for accounts that survived the reload are kept.
func (p *Pool) Reload() error {
	accounts, err := p.st.LoadAll()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts = make(map[string]*store.Account, len(accounts))
	p.order = p.order[:0]
	for i := range accounts {
		acc := accounts[i]
		p.accounts[acc.ID] = &acc
		p.order = append(p.order, acc.ID)
	}
	for id := range p.managers {
		if _, ok := p.accounts[id]; !ok {
			delete(p.managers, id)
		}
	}
	return nil
}

// List returns a snapshot of all accounts.
func (p *Pool) List() []store.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.accounts[id])
	}
	return out
}

// Get returns a snapshot of one account.
func (p *Pool) Get(id string) (store.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return store.Account{}, false
	}
	return *acc, true
}

// Add upserts an account into the pool and store.
func (p *Pool) Add(acc store.Account) error {
	if acc.ID == "" {
		return errors.New("account id is required")
	}
	if err := p.st.Upsert(acc); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[acc.ID]; !exists {
		p.order = append(p.order, acc.ID)
	}
	copied := acc
	p.accounts[acc.ID] = &copied
	delete(p.managers, acc.ID)
	return nil
}

// Remove deletes an account from the pool and store.
func (p *Pool) Remove(id string) error {
	if err := p.st.Delete(id); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, id)
	delete(p.managers, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// SelectOptions tunes one selection.
type SelectOptions struct {
	// SkipUsageCount leaves usage_count and last_used untouched, for
	// internal calls like health probes.
	SkipUsageCount bool
}

// Select picks the next healthy, enabled account that supports the model.
func (p *Pool) Select(model string, opts SelectOptions) (store.Account, error) {
	p.mu.Lock()
	var eligible []*store.Account
	for _, id := range p.order {
		acc := p.accounts[id]
		if acc.Healthy && !acc.Disabled && acc.SupportsModel(model) {
			eligible = append(eligible, acc)
		}
	}
	if len(eligible) == 0 {
		p.mu.Unlock()
		return store.Account{}, ErrNoAccounts
	}
	idx := p.cursors[model] % len(eligible)
	p.cursors[model] = idx + 1
	chosen := eligible[idx]
	if !opts.SkipUsageCount {
		chosen.UsageCount++
		chosen.LastUsed = time.Now()
	}
	snapshot := *chosen
	p.mu.Unlock()

	if !opts.SkipUsageCount {
		if err := p.st.IncrementUsage(snapshot.ID); err != nil {
			log.Errorf("increment usage for %s: %v", snapshot.ID, err)
		}
	}
	return snapshot, nil
}

// EligibleCount reports how many accounts could serve the model right now.
func (p *Pool) EligibleCount(model string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, acc := range p.accounts {
		if acc.Healthy && !acc.Disabled && acc.SupportsModel(model) {
			n++
		}
	}
	return n
}

// Manager returns the token manager for an account, creating it on first
// use from the account's credentials file or inline blob.
func (p *Pool) Manager(accountID string) (*kiro.Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.managers[accountID]; ok {
		return m, nil
	}
	acc, ok := p.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}
	creds, err := kiro.LoadCredentials(acc.Credentials)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", accountID, err)
	}
	path := acc.Credentials
	if _, statErr := os.Stat(path); statErr != nil {
		path = "" // inline blob, nothing to persist to
	}
	m := kiro.NewManager(creds, path, p.httpClient)
	p.managers[accountID] = m
	return m, nil
}

// InvalidateCredentials drops the cached token manager of any account whose
// credentials live at path, so the next use reloads the file from disk.
func (p *Pool) InvalidateCredentials(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, acc := range p.accounts {
		if acc.Credentials == path {
			delete(p.managers, id)
		}
	}
}

// Managers returns the managers for every account, creating missing ones.
// Accounts whose credentials cannot be loaded are skipped with a log line.
func (p *Pool) Managers() map[string]*kiro.Manager {
	out := map[string]*kiro.Manager{}
	for _, acc := range p.List() {
		m, err := p.Manager(acc.ID)
		if err != nil {
			log.Warnf("skipping token manager: %v", err)
			continue
		}
		out[acc.ID] = m
	}
	return out
}

// UserInfo is the identity fetched from the upstream usage query.
type UserInfo struct {
	Email  string
	UserID string
}

// MarkHealthyOptions tunes MarkHealthy.
type MarkHealthyOptions struct {
	ResetUsageCount  bool
	HealthCheckModel string
	UserInfo         *UserInfo
}

// MarkHealthy records a success: healthy, zero errors, fresh health-check
// metadata.
func (p *Pool) MarkHealthy(id string, opts MarkHealthyOptions) error {
	now := time.Now()
	healthy := true
	upd := store.HealthUpdate{
		Healthy:             &healthy,
		ResetErrorCount:     true,
		ResetUsageCount:     opts.ResetUsageCount,
		LastHealthCheckTime: &now,
	}
	if opts.HealthCheckModel != "" {
		upd.LastHealthCheckModel = &opts.HealthCheckModel
	}
	if opts.UserInfo != nil {
		if opts.UserInfo.Email != "" {
			upd.CachedEmail = &opts.UserInfo.Email
		}
		if opts.UserInfo.UserID != "" {
			upd.CachedUserID = &opts.UserInfo.UserID
		}
	}
	return p.updateHealth(id, upd)
}

// MarkUnhealthy classifies the failure and updates the account accordingly.
// Retryable signals only note the error; client-request errors do nothing;
// fatal signals disable health immediately; anything else counts toward
// maxErrorCount.
func (p *Pool) MarkUnhealthy(id string, cause error) {
	if cause == nil {
		return
	}
	msg := cause.Error()
	now := time.Now()

	switch client.Classify(cause) {
	case client.ClassTransient:
		p.mu.Lock()
		p.lastRetryableError[id] = msg
		p.mu.Unlock()
		log.Debugf("account %s retryable error: %s", id, msg)
		return
	case client.ClassClientRequest:
		return
	case client.ClassFatal:
		unhealthy := false
		if err := p.updateHealth(id, store.HealthUpdate{
			Healthy:          &unhealthy,
			LastErrorMessage: &msg,
			LastErrorTime:    &now,
		}); err != nil {
			log.Errorf("mark %s unhealthy: %v", id, err)
		}
		log.Warnf("account %s marked unhealthy (fatal): %s", id, msg)
		return
	default:
		if err := p.updateHealth(id, store.HealthUpdate{
			IncrementErrorCount: true,
			MaxErrorCount:       p.maxErrorCount,
			LastErrorMessage:    &msg,
			LastErrorTime:       &now,
		}); err != nil {
			log.Errorf("count error for %s: %v", id, err)
		}
	}
}

// MarkSuccess clears failure state after a successfully served request. It
// only touches the store when there is something to clear.
func (p *Pool) MarkSuccess(id string) {
	p.mu.Lock()
	acc, ok := p.accounts[id]
	dirty := ok && (acc.ErrorCount > 0 || !acc.Healthy)
	p.mu.Unlock()
	if !dirty {
		return
	}
	healthy := true
	if err := p.updateHealth(id, store.HealthUpdate{Healthy: &healthy, ResetErrorCount: true}); err != nil {
		log.Errorf("clear failure state for %s: %v", id, err)
	}
}

// UpdateIdentity back-fills the cached identity fields from a usage query.
func (p *Pool) UpdateIdentity(id string, info UserInfo) error {
	var upd store.HealthUpdate
	if info.Email != "" {
		upd.CachedEmail = &info.Email
	}
	if info.UserID != "" {
		upd.CachedUserID = &info.UserID
	}
	if upd.CachedEmail == nil && upd.CachedUserID == nil {
		return nil
	}
	return p.updateHealth(id, upd)
}

// LastRetryableError returns the most recent rate-limit style message seen
// for the account, if any.
func (p *Pool) LastRetryableError(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRetryableError[id]
}

// SetDisabled flips the operator toggle.
func (p *Pool) SetDisabled(id string, disabled bool) error {
	if err := p.st.SetDisabled(id, disabled); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[id]; ok {
		acc.Disabled = disabled
	}
	return nil
}

// updateHealth applies the update to the store and mirrors it in memory.
func (p *Pool) updateHealth(id string, upd store.HealthUpdate) error {
	if err := p.st.UpdateHealth(id, upd); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.accounts[id]
	if !ok {
		return nil
	}
	applyInMemory(acc, upd)
	return nil
}

func applyInMemory(acc *store.Account, upd store.HealthUpdate) {
	if upd.Healthy != nil {
		acc.Healthy = *upd.Healthy
	}
	if upd.ResetErrorCount {
		acc.ErrorCount = 0
	}
	if upd.IncrementErrorCount {
		acc.ErrorCount++
		if upd.MaxErrorCount > 0 && acc.ErrorCount >= upd.MaxErrorCount {
			acc.Healthy = false
		}
	}
	if upd.LastErrorMessage != nil {
		acc.LastErrorMessage = *upd.LastErrorMessage
	}
	if upd.LastErrorTime != nil {
		acc.LastErrorTime = *upd.LastErrorTime
	}
	if upd.LastHealthCheckTime != nil {
		acc.LastHealthCheckTime = *upd.LastHealthCheckTime
	}
	if upd.LastHealthCheckModel != nil {
		acc.LastHealthCheckModel = *upd.LastHealthCheckModel
	}
	if upd.CachedEmail != nil {
		acc.CachedEmail = *upd.CachedEmail
	}
	if upd.CachedUserID != nil {
		acc.CachedUserID = *upd.CachedUserID
	}
	if upd.ResetUsageCount {
		acc.UsageCount = 0
	}
	acc.UpdatedAt = time.Now()
}
