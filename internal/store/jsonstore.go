package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"

	"github.com/kiroproxy/kiroproxy/internal/constant"
)

const (
	legacyPoolFile = "provider_pools.json"

	flushDebounce = time.Second
)

var (
	bucketUsageCache    = []byte("usage_cache")
	bucketHealthHistory = []byte("health_history")
)

type poolFile struct {
	Accounts []Account `json:"accounts"`
}

// JSONStore keeps the account pool in a single JSON file, rewritten
// atomically, with usage cache and health history in a bbolt side database
// next to it. Mutations are coalesced: a marked update schedules one flush
// after the debounce window instead of a write per call.
type JSONStore struct {
	mu       sync.Mutex
	path     string
	accounts []Account

	dirty      bool
	flushTimer *time.Timer

	db *bolt.DB
}

// OpenJSONStore loads (or creates) the pool file and the bbolt side
// database. A present-but-unparseable pool file is an error; silently
// starting with an empty pool would orphan every account.
func OpenJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}

	dbPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open side database %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsageCache); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHealthHistory)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare side database: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if migrated, migErr := s.migrateLegacy(); migErr != nil {
			return migErr
		} else if migrated {
			return nil
		}
		s.accounts = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pool file: %w", err)
	}
	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("pool file %s is not valid JSON: %w", s.path, err)
	}
	s.accounts = pf.Accounts
	return nil
}

// migrateLegacy imports the provider-keyed legacy pool file, deduplicating
// by id, and backs the legacy file up with an epoch suffix.
func (s *JSONStore) migrateLegacy() (bool, error) {
	legacyPath := filepath.Join(filepath.Dir(s.path), legacyPoolFile)
	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read legacy pool file: %w", err)
	}

	seen := map[string]bool{}
	var accounts []Account
	for _, raw := range gjson.GetBytes(data, constant.Provider).Array() {
		var acc Account
		if err := json.Unmarshal([]byte(raw.Raw), &acc); err != nil {
			log.Warnf("skipping unparseable legacy account: %v", err)
			continue
		}
		if acc.ID == "" || seen[acc.ID] {
			continue
		}
		seen[acc.ID] = true
		accounts = append(accounts, acc)
	}
	s.accounts = accounts
	if err := s.writeFile(); err != nil {
		return false, fmt.Errorf("write migrated pool file: %w", err)
	}
	backup := fmt.Sprintf("%s.bak-%d", legacyPath, time.Now().Unix())
	if err := os.Rename(legacyPath, backup); err != nil {
		log.Warnf("migrated %d accounts but could not back up legacy file: %v", len(accounts), err)
	} else {
		log.Infof("migrated %d accounts from %s (backup %s)", len(accounts), legacyPoolFile, filepath.Base(backup))
	}
	return true, nil
}

// writeFile performs the atomic replace. Caller holds s.mu (or is still in
// single-threaded startup).
func (s *JSONStore) writeFile() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(poolFile{Accounts: s.accounts}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// markDirty schedules a debounced flush. Caller holds s.mu.
func (s *JSONStore) markDirty() {
	s.dirty = true
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(flushDebounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushTimer = nil
		if !s.dirty {
			return
		}
		s.dirty = false
		if err := s.writeFile(); err != nil {
			log.Errorf("flush pool file: %v", err)
			s.dirty = true
		}
	})
}

// Flush forces any pending write to disk now.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if !s.dirty {
		return nil
	}
	s.dirty = false
	return s.writeFile()
}

func (s *JSONStore) LoadAll() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, len(s.accounts))
	copy(out, s.accounts)
	return out, nil
}

func (s *JSONStore) find(id string) int {
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *JSONStore) Upsert(account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	account.UpdatedAt = now
	if i := s.find(account.ID); i >= 0 {
		if account.CreatedAt.IsZero() {
			account.CreatedAt = s.accounts[i].CreatedAt
		}
		s.accounts[i] = account
	} else {
		if account.CreatedAt.IsZero() {
			account.CreatedAt = now
		}
		s.accounts = append(s.accounts, account)
	}
	s.markDirty()
	return nil
}

func (s *JSONStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("account %s not found", id)
	}
	s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
	s.markDirty()
	return nil
}

func (s *JSONStore) UpdateHealth(id string, upd HealthUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("account %s not found", id)
	}
	apply(&s.accounts[i], upd, time.Now())
	s.markDirty()
	return nil
}

func (s *JSONStore) IncrementUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("account %s not found", id)
	}
	now := time.Now()
	s.accounts[i].UsageCount++
	s.accounts[i].LastUsed = now
	s.accounts[i].UpdatedAt = now
	s.markDirty()
	return nil
}

func (s *JSONStore) SetDisabled(id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(id)
	if i < 0 {
		return fmt.Errorf("account %s not found", id)
	}
	s.accounts[i].Disabled = disabled
	s.accounts[i].UpdatedAt = time.Now()
	s.markDirty()
	return nil
}

func (s *JSONStore) GetUsageCache(id string) (*UsageCacheEntry, error) {
	var entry *UsageCacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketUsageCache).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var e UsageCacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if !e.Expired(time.Now()) {
			entry = &e
		}
		return nil
	})
	return entry, err
}

func (s *JSONStore) SetUsageCache(id string, data []byte, ttl time.Duration) error {
	entry := UsageCacheEntry{
		AccountID: id,
		Data:      data,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsageCache).Put([]byte(id), raw)
	})
}

func (s *JSONStore) GetUsageCacheBatch() (map[string]*UsageCacheEntry, error) {
	out := map[string]*UsageCacheEntry{}
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsageCache).ForEach(func(k, v []byte) error {
			var e UsageCacheEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil // skip corrupt rows
			}
			if !e.Expired(now) {
				out[string(k)] = &e
			}
			return nil
		})
	})
	return out, err
}

func (s *JSONStore) RecordHealthCheck(id string, success bool, model string, checkErr string) error {
	rec := HealthCheckRecord{
		AccountID:    id,
		Healthy:      success,
		CheckModel:   model,
		ErrorMessage: checkErr,
		CheckTime:    time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%020d-%s", rec.CheckTime.UnixNano(), id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHealthHistory).Put([]byte(key), raw)
	})
}

func (s *JSONStore) CleanExpiredUsageCache() (int, error) {
	removed := 0
	now := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsageCache)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e UsageCacheEntry
			if err := json.Unmarshal(v, &e); err != nil || e.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *JSONStore) CleanOldHealthHistory(days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthHistory)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec HealthCheckRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.CheckTime.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *JSONStore) Close() error {
	if err := s.Flush(); err != nil {
		log.Errorf("flush pool file on close: %v", err)
	}
	return s.db.Close()
}
