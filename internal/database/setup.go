package database

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"speakeasy-server/internal/models"
)

var db *sql.DB
var sugar *zap.SugaredLogger

func setPragmaValues(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func Setup(cfg *models.ConfigFile, _sugar *zap.SugaredLogger) (*sql.DB, error) {
	sugar = _sugar

	var err error

	if cfg.SelfContained {
		sugar.Info("Connecting to database sqlite...")

		path := cfg.DbPath
		if path == "" {
			path = "./speakeasy.db"
		}

		db, err = sql.Open("sqlite", path)
		if err != nil {
			return db, err
		}

		// there can be sqlite busy errors if this is not set to 1
		db.SetMaxOpenConns(1)

		err = setPragmaValues(db)
		if err != nil {
			return db, err
		}
	} else {
		sugar.Info("Connecting to database mysql/mariadb...")

		db, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&timeout=10s", cfg.DbUser, cfg.DbPassword, cfg.DbAddress, cfg.DbPort, cfg.DbDatabase))
		if err != nil {
			return db, err
		}

		db.SetMaxOpenConns(10)
	}

	err = runMigrations(db)
	if err != nil {
		return db, err
	}

	return db, nil
}

// SetupForTest points the package at an in-memory sqlite database.
func SetupForTest() error {
	var err error
	db, err = sql.Open("sqlite", ":memory:")
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	if err := setPragmaValues(db); err != nil {
		return err
	}
	return runMigrations(db)
}

// migrations are versioned and forward-only; each entry runs once inside
// its own transaction and is recorded in schema_migrations.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE users (
				id CHAR(36) PRIMARY KEY,
				username VARCHAR(32) NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				last_login BIGINT,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				must_change_password BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE TABLE channels (
				id CHAR(36) PRIMARY KEY,
				name VARCHAR(64) NOT NULL,
				parent_id CHAR(36),
				topic TEXT NOT NULL,
				password_hash TEXT NOT NULL,
				max_clients INT NOT NULL DEFAULT 0,
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				sort_order INT NOT NULL DEFAULT 0,
				kind VARCHAR(8) NOT NULL,
				persistence VARCHAR(16) NOT NULL,
				e2e BOOLEAN NOT NULL DEFAULT FALSE,
				created_at BIGINT NOT NULL,
				FOREIGN KEY (parent_id) REFERENCES channels(id)
			)`,
			`CREATE TABLE server_groups (
				id CHAR(36) PRIMARY KEY,
				name VARCHAR(64) NOT NULL UNIQUE,
				priority INT NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE channel_groups (
				id CHAR(36) PRIMARY KEY,
				name VARCHAR(64) NOT NULL UNIQUE
			)`,
			`CREATE TABLE user_server_groups (
				user_id CHAR(36) NOT NULL,
				group_id CHAR(36) NOT NULL,
				PRIMARY KEY (user_id, group_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (group_id) REFERENCES server_groups(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE user_channel_groups (
				user_id CHAR(36) NOT NULL,
				channel_id CHAR(36) NOT NULL,
				group_id CHAR(36) NOT NULL,
				PRIMARY KEY (user_id, channel_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
				FOREIGN KEY (group_id) REFERENCES channel_groups(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE permissions (
				target_type VARCHAR(16) NOT NULL,
				target_id CHAR(36) NOT NULL,
				perm_key VARCHAR(64) NOT NULL,
				value_kind VARCHAR(10) NOT NULL,
				tri_state VARCHAR(5),
				int_limit BIGINT,
				scope TEXT,
				PRIMARY KEY (target_type, target_id, perm_key)
			)`,
			`CREATE TABLE bans (
				id CHAR(36) PRIMARY KEY,
				user_id CHAR(36),
				ip VARCHAR(64) NOT NULL DEFAULT '',
				reason TEXT NOT NULL,
				banned_by CHAR(36),
				expires_at BIGINT,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE audit_log (
				id CHAR(36) PRIMARY KEY,
				actor_id CHAR(36),
				action VARCHAR(64) NOT NULL,
				target_type VARCHAR(32) NOT NULL DEFAULT '',
				target_id VARCHAR(64) NOT NULL DEFAULT '',
				details TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE invites (
				id CHAR(36) PRIMARY KEY,
				code VARCHAR(64) NOT NULL UNIQUE,
				channel_id CHAR(36),
				assigned_group CHAR(36),
				max_uses INT NOT NULL DEFAULT 0,
				used_count INT NOT NULL DEFAULT 0,
				expires_at BIGINT,
				created_by CHAR(36) NOT NULL,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE messages (
				id CHAR(36) PRIMARY KEY,
				channel_id CHAR(36) NOT NULL,
				sender_id CHAR(36) NOT NULL,
				content TEXT NOT NULL,
				kind VARCHAR(8) NOT NULL,
				reply_to CHAR(36),
				created_at BIGINT NOT NULL,
				edited_at BIGINT,
				deleted_at BIGINT,
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE files (
				id CHAR(36) PRIMARY KEY,
				channel_id CHAR(36) NOT NULL,
				uploader_id CHAR(36) NOT NULL,
				filename VARCHAR(255) NOT NULL,
				mime VARCHAR(128) NOT NULL,
				size BIGINT NOT NULL,
				storage_path TEXT NOT NULL,
				sha256 CHAR(64) NOT NULL,
				created_at BIGINT NOT NULL,
				deleted_at BIGINT,
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE api_tokens (
				id CHAR(36) PRIMARY KEY,
				user_id CHAR(36) NOT NULL,
				description VARCHAR(128) NOT NULL,
				scopes TEXT NOT NULL,
				token_hash TEXT NOT NULL,
				token_prefix VARCHAR(8) NOT NULL,
				created_at BIGINT NOT NULL,
				expires_at BIGINT,
				revoked BOOLEAN NOT NULL DEFAULT FALSE,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE server_settings (
				name VARCHAR(64) PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX idx_messages_channel_created ON messages (channel_id, created_at)`,
			`CREATE INDEX idx_audit_log_created ON audit_log (created_at)`,
			`CREATE INDEX idx_channels_parent ON channels (parent_id)`,
		},
	},
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INT PRIMARY KEY,
				applied_at BIGINT NOT NULL
			);
	`)
	if err != nil {
		return err
	}

	var current int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, nowUnix()); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		if sugar != nil {
			sugar.Infof("Applied database migration %d", m.version)
		}
	}

	return nil
}
