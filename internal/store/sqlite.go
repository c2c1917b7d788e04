package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kiroproxy/kiroproxy/internal/constant"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT UNIQUE NOT NULL,
	provider_type TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}',
	is_healthy INTEGER NOT NULL DEFAULT 1,
	is_disabled INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used TEXT NOT NULL DEFAULT '',
	last_error_time TEXT NOT NULL DEFAULT '',
	last_error_message TEXT NOT NULL DEFAULT '',
	last_health_check_time TEXT NOT NULL DEFAULT '',
	last_health_check_model TEXT NOT NULL DEFAULT '',
	cached_email TEXT NOT NULL DEFAULT '',
	cached_user_id TEXT NOT NULL DEFAULT '',
	not_supported_models TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_accounts_health ON accounts(provider_type, is_healthy, is_disabled);

CREATE TABLE IF NOT EXISTS usage_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_uuid TEXT NOT NULL,
	provider_type TEXT NOT NULL,
	usage_data TEXT NOT NULL,
	cached_at TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	UNIQUE(account_uuid, provider_type)
);
CREATE INDEX IF NOT EXISTS idx_usage_cache_expiry ON usage_cache(provider_type, expires_at);

CREATE TABLE IF NOT EXISTS health_check_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_uuid TEXT NOT NULL,
	is_healthy INTEGER NOT NULL,
	check_model TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	check_time TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_history_time ON health_check_history(check_time);
`

// accountConfig is the static portion stored in the config column.
type accountConfig struct {
	Name        string `json:"name,omitempty"`
	Credentials string `json:"credentials_file"`
	AuthMethod  string `json:"auth_method,omitempty"`
	ProfileArn  string `json:"profile_arn,omitempty"`
	Region      string `json:"region,omitempty"`
}

// SQLiteStore persists the pool in an embedded SQLite database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database, applies the PRAGMAs and
// runs schema migration.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(path string) error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	// Legacy layout check before touching anything.
	var legacy int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='providers'").Scan(&legacy)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if legacy > 0 {
		if err := backupFile(path); err != nil {
			return fmt.Errorf("back up database before migration: %w", err)
		}
	}

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if legacy > 0 {
		if err := s.copyLegacyRows(); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// copyLegacyRows imports rows from the old providers table, then renames it
// out of the way. The legacy provider-type column is dropped on the fly.
func (s *SQLiteStore) copyLegacyRows() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO accounts
			(uuid, provider_type, config, is_healthy, is_disabled, error_count, usage_count,
			 last_used, last_error_time, last_error_message, created_at, updated_at)
		SELECT uuid, ?, config, is_healthy, is_disabled, error_count, usage_count,
			 COALESCE(last_used,''), COALESCE(last_error_time,''), COALESCE(last_error_message,''),
			 COALESCE(created_at,''), COALESCE(updated_at,'')
		FROM providers`, constant.Provider)
	if err != nil {
		return fmt.Errorf("copy legacy rows: %w", err)
	}
	if _, err = tx.Exec("ALTER TABLE providers RENAME TO providers_migrated"); err != nil {
		return fmt.Errorf("retire legacy table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("migrated legacy providers table to accounts schema")
	return nil
}

func backupFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(fmt.Sprintf("%s.bak-%d", path, time.Now().Unix()), data, 0o600)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) LoadAll() ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT uuid, config, is_healthy, is_disabled, error_count, usage_count,
			last_used, last_error_time, last_error_message,
			last_health_check_time, last_health_check_model,
			cached_email, cached_user_id, not_supported_models,
			created_at, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		var (
			acc                          Account
			config, models               string
			healthy, disabled            int
			lastUsed, lastErr, lastCheck string
			createdAt, updatedAt         string
		)
		if err := rows.Scan(&acc.ID, &config, &healthy, &disabled, &acc.ErrorCount, &acc.UsageCount,
			&lastUsed, &lastErr, &acc.LastErrorMessage,
			&lastCheck, &acc.LastHealthCheckModel,
			&acc.CachedEmail, &acc.CachedUserID, &models,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var cfg accountConfig
		if err := json.Unmarshal([]byte(config), &cfg); err != nil {
			log.Warnf("account %s has unparseable config, skipping: %v", acc.ID, err)
			continue
		}
		acc.Name = cfg.Name
		acc.Credentials = cfg.Credentials
		acc.AuthMethod = cfg.AuthMethod
		acc.ProfileArn = cfg.ProfileArn
		acc.Region = cfg.Region
		acc.Healthy = healthy != 0
		acc.Disabled = disabled != 0
		acc.LastUsed = parseTime(lastUsed)
		acc.LastErrorTime = parseTime(lastErr)
		acc.LastHealthCheckTime = parseTime(lastCheck)
		acc.CreatedAt = parseTime(createdAt)
		acc.UpdatedAt = parseTime(updatedAt)
		if models != "" && models != "[]" {
			_ = json.Unmarshal([]byte(models), &acc.NotSupportedModels)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) Upsert(account Account) error {
	cfg, err := json.Marshal(accountConfig{
		Name:        account.Name,
		Credentials: account.Credentials,
		AuthMethod:  account.AuthMethod,
		ProfileArn:  account.ProfileArn,
		Region:      account.Region,
	})
	if err != nil {
		return err
	}
	models, err := json.Marshal(account.NotSupportedModels)
	if err != nil {
		return err
	}
	now := fmtTime(time.Now())
	createdAt := fmtTime(account.CreatedAt)
	if createdAt == "" {
		createdAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO accounts
			(uuid, provider_type, config, is_healthy, is_disabled, error_count, usage_count,
			 last_used, last_error_time, last_error_message,
			 last_health_check_time, last_health_check_model,
			 cached_email, cached_user_id, not_supported_models, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			config = excluded.config,
			is_healthy = excluded.is_healthy,
			is_disabled = excluded.is_disabled,
			error_count = excluded.error_count,
			usage_count = excluded.usage_count,
			cached_email = excluded.cached_email,
			cached_user_id = excluded.cached_user_id,
			not_supported_models = excluded.not_supported_models,
			updated_at = excluded.updated_at`,
		account.ID, constant.Provider, string(cfg),
		boolToInt(account.Healthy), boolToInt(account.Disabled),
		account.ErrorCount, account.UsageCount,
		fmtTime(account.LastUsed), fmtTime(account.LastErrorTime), account.LastErrorMessage,
		fmtTime(account.LastHealthCheckTime), account.LastHealthCheckModel,
		account.CachedEmail, account.CachedUserID, string(models), createdAt, now)
	return err
}

func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM accounts WHERE uuid = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	_, _ = s.db.Exec("DELETE FROM usage_cache WHERE account_uuid = ?", id)
	return nil
}

func (s *SQLiteStore) UpdateHealth(id string, upd HealthUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now())}

	if upd.IncrementErrorCount {
		// Single atomic increment; the CASE trips is_healthy inside the
		// same statement so concurrent writers cannot lose an update.
		sets = append(sets,
			"error_count = error_count + 1",
			"is_healthy = CASE WHEN ? > 0 AND error_count + 1 >= ? THEN 0 ELSE is_healthy END")
		args = append(args, upd.MaxErrorCount, upd.MaxErrorCount)
	}
	if upd.Healthy != nil {
		sets = append(sets, "is_healthy = ?")
		args = append(args, boolToInt(*upd.Healthy))
	}
	if upd.ResetErrorCount {
		sets = append(sets, "error_count = 0")
	}
	if upd.ResetUsageCount {
		sets = append(sets, "usage_count = 0")
	}
	if upd.LastErrorMessage != nil {
		sets = append(sets, "last_error_message = ?")
		args = append(args, *upd.LastErrorMessage)
	}
	if upd.LastErrorTime != nil {
		sets = append(sets, "last_error_time = ?")
		args = append(args, fmtTime(*upd.LastErrorTime))
	}
	if upd.LastHealthCheckTime != nil {
		sets = append(sets, "last_health_check_time = ?")
		args = append(args, fmtTime(*upd.LastHealthCheckTime))
	}
	if upd.LastHealthCheckModel != nil {
		sets = append(sets, "last_health_check_model = ?")
		args = append(args, *upd.LastHealthCheckModel)
	}
	if upd.CachedEmail != nil {
		sets = append(sets, "cached_email = ?")
		args = append(args, *upd.CachedEmail)
	}
	if upd.CachedUserID != nil {
		sets = append(sets, "cached_user_id = ?")
		args = append(args, *upd.CachedUserID)
	}

	args = append(args, id)
	res, err := s.db.Exec(
		fmt.Sprintf("UPDATE accounts SET %s WHERE uuid = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) IncrementUsage(id string) error {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(
		"UPDATE accounts SET usage_count = usage_count + 1, last_used = ?, updated_at = ? WHERE uuid = ?",
		now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) SetDisabled(id string, disabled bool) error {
	res, err := s.db.Exec(
		"UPDATE accounts SET is_disabled = ?, updated_at = ? WHERE uuid = ?",
		boolToInt(disabled), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) GetUsageCache(id string) (*UsageCacheEntry, error) {
	var (
		data     string
		cachedAt string
		expires  int64
	)
	err := s.db.QueryRow(
		"SELECT usage_data, cached_at, expires_at FROM usage_cache WHERE account_uuid = ? AND provider_type = ? AND expires_at > ?",
		id, constant.Provider, time.Now().UnixMilli()).Scan(&data, &cachedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &UsageCacheEntry{
		AccountID: id,
		Data:      []byte(data),
		CachedAt:  parseTime(cachedAt),
		ExpiresAt: expires,
	}, nil
}

func (s *SQLiteStore) SetUsageCache(id string, data []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO usage_cache (account_uuid, provider_type, usage_data, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_uuid, provider_type) DO UPDATE SET
			usage_data = excluded.usage_data,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		id, constant.Provider, string(data), fmtTime(now), now.Add(ttl).UnixMilli())
	return err
}

func (s *SQLiteStore) GetUsageCacheBatch() (map[string]*UsageCacheEntry, error) {
	rows, err := s.db.Query(
		"SELECT account_uuid, usage_data, cached_at, expires_at FROM usage_cache WHERE provider_type = ? AND expires_at > ?",
		constant.Provider, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]*UsageCacheEntry{}
	for rows.Next() {
		var (
			id, data, cachedAt string
			expires            int64
		)
		if err := rows.Scan(&id, &data, &cachedAt, &expires); err != nil {
			return nil, err
		}
		out[id] = &UsageCacheEntry{
			AccountID: id,
			Data:      []byte(data),
			CachedAt:  parseTime(cachedAt),
			ExpiresAt: expires,
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordHealthCheck(id string, success bool, model string, checkErr string) error {
	_, err := s.db.Exec(`
		INSERT INTO health_check_history (account_uuid, is_healthy, check_model, error_message, check_time)
		VALUES (?, ?, ?, ?, ?)`,
		id, boolToInt(success), model, checkErr, fmtTime(time.Now()))
	return err
}

func (s *SQLiteStore) CleanExpiredUsageCache() (int, error) {
	res, err := s.db.Exec("DELETE FROM usage_cache WHERE expires_at <= ?", time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CleanOldHealthHistory(days int) (int, error) {
	cutoff := fmtTime(time.Now().AddDate(0, 0, -days))
	res, err := s.db.Exec("DELETE FROM health_check_history WHERE check_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
