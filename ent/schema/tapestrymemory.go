package schema

import (
	"github.com/pgvector/pgvector-go"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// EmbeddingDimensions is the fixed vector width every embedding column
// is declared at. Mismatches are rejected by the store at insert/update
// time, not by the database driver.
const EmbeddingDimensions = 3072

// TapestryMemory holds the schema definition for the TapestryMemory entity.
type TapestryMemory struct {
	ent.Schema
}

// Mixin of the TapestryMemory.
func (TapestryMemory) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the TapestryMemory.
func (TapestryMemory) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("memory_id").
			Unique().
			Immutable(),
		field.Text("content"),
		field.Time("from_date"),
		field.Time("to_date"),
		field.String("group_id"),
		field.Other("embedding", pgvector.Vector{}).
			SchemaType(map[string]string{
				dialect.Postgres: "vector(3072)",
			}).
			Optional().
			Nillable().
			Comment("Fixed-dimension embedding, 3072-wide"),
		field.Enum("status").
			Values("active", "superseded").
			Default("active"),
		field.String("superseded_by").
			Optional().
			Nillable().
			Comment("Self-reference by id only, never embedded"),
		field.JSON("source_memory_ids", []string{}).
			Optional().
			Comment("Present only on refinement outputs"),
	}
}

// Indexes of the TapestryMemory.
func (TapestryMemory) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("from_date", "to_date"),
		index.Fields("group_id"),
		index.Fields("status").
			Annotations(entsql.IndexWhere("source_memory_ids IS NULL AND embedding IS NOT NULL")),
	}
}
