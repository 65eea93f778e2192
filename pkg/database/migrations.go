package database

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect/sql"
)

// EnsureVectorExtension creates the pgvector extension if it is not
// already installed. Ent has no notion of extensions, so this must run
// before any schema creation that declares a vector(n) column type,
// whether that schema arrives via the embedded SQL migrations or via
// ent's own Schema.Create (the test path, mirroring the teacher's
// newTestClient helper).
func EnsureVectorExtension(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	return nil
}

// CreateVectorIndex creates the ivfflat cosine-distance index on
// tapestry_memories.embedding. Ent's Schema.Create (used by tests) has
// no concept of ivfflat or opclass-specific indexes, the same gap the
// teacher's GIN full-text indexes fell into; this is the same
// post-migration step for the vector search path.
func CreateVectorIndex(ctx context.Context, driver *sql.Driver) error {
	db := driver.DB()

	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS tapestry_memory_embedding_ivfflat ON tapestry_memories
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)
		WHERE embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("failed to create embedding ivfflat index: %w", err)
	}

	return nil
}
