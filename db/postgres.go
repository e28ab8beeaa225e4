package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paperbase/paperbase/auth"
	"github.com/paperbase/paperbase/config"
)

// Open connects to PostgreSQL with the configured pool limits.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return gdb, nil
}

// Migrate creates the schema. The chunks table uses explicit DDL so the
// vector column dimension follows configuration, with an HNSW cosine
// index for ANN search. Email uniqueness is enforced case-insensitively
// at the database, not by check-then-insert.
func Migrate(gdb *gorm.DB, embeddingDim int) error {
	if err := gdb.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	if err := gdb.AutoMigrate(&Document{}, &Job{}, &JobStep{}, &SearchLog{}); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			section VARCHAR(255),
			page INTEGER,
			kind VARCHAR(16) NOT NULL DEFAULT 'text',
			embedding vector(%d),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_section ON chunks(section)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw ON chunks
			USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
	}
	for _, stmt := range ddl {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("chunk schema DDL failed: %w", err)
		}
	}

	return nil
}

// MigrateIdentity creates the identity tables used by the gateway.
func MigrateIdentity(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&auth.User{}, &auth.RefreshCredential{}, &auth.APICredential{}); err != nil {
		return fmt.Errorf("identity automigrate failed: %w", err)
	}

	// Case-insensitive email uniqueness.
	if err := gdb.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email_ci ON users (lower(email))`,
	).Error; err != nil {
		return fmt.Errorf("email index DDL failed: %w", err)
	}

	return nil
}

// CheckEmbeddingDimension verifies the chunks.embedding column matches the
// configured dimension. Services refuse to start on mismatch rather than
// silently mixing dimensionalities.
func CheckEmbeddingDimension(gdb *gorm.DB, want int) error {
	var typmod int
	err := gdb.Raw(`
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = 'chunks' AND a.attname = 'embedding'
	`).Scan(&typmod).Error
	if err != nil {
		return fmt.Errorf("failed to inspect embedding column: %w", err)
	}
	return compareEmbeddingDimension(typmod, want)
}

// compareEmbeddingDimension checks the declared column width against the
// configured one. pgvector stores the dimension directly in atttypmod; a
// non-positive typmod means the column does not exist yet.
func compareEmbeddingDimension(typmod, want int) error {
	if typmod > 0 && typmod != want {
		return fmt.Errorf("embedding column dimension %d does not match configured %d; migrate the vector column before starting", typmod, want)
	}
	return nil
}
