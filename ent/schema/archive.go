package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Archive holds the schema definition for the Archive entity.
type Archive struct {
	ent.Schema
}

// Mixin of the Archive.
func (Archive) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the Archive.
func (Archive) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("archive_id").
			Unique().
			Immutable(),
		field.String("provider").
			Comment("Source provider tag, e.g. 'chatgpt', 'instagram'"),
		field.Enum("status").
			Values("created", "completed", "failed").
			Default("created").
			Comment("Monotonic: created -> completed | failed"),
		field.JSON("file_uris", []string{}).
			Optional().
			Comment("Raw archive file keys in the Storage backend"),
		field.String("error_message").
			Optional().
			Nillable(),
	}
}

// Edges of the Archive.
func (Archive) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("etl_tasks", EtlTask.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Archive.
func (Archive) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
		index.Fields("provider"),
	}
}
