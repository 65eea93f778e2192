package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// EtlTask holds the schema definition for the EtlTask entity.
type EtlTask struct {
	ent.Schema
}

// Mixin of the EtlTask.
func (EtlTask) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the EtlTask.
func (EtlTask) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("etl_task_id").
			Unique().
			Immutable(),
		field.String("archive_id").
			Immutable(),
		field.String("provider"),
		field.String("interaction_type"),
		field.JSON("source_uris", []string{}).
			Comment("Sorted, non-empty source URIs discovered for this task"),
		field.Enum("status").
			Values("created", "extracting", "transforming", "uploading", "completed", "failed").
			Default("created"),
		field.Int("extracted_count").
			Default(0),
		field.Int("transformed_count").
			Default(0),
		field.Int("uploaded_count").
			Default(0),
		field.String("error_message").
			Optional().
			Nillable(),
	}
}

// Edges of the EtlTask.
func (EtlTask) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("archive", Archive.Type).
			Ref("etl_tasks").
			Field("archive_id").
			Unique().
			Required().
			Immutable(),
		edge.To("threads", Thread.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the EtlTask.
func (EtlTask) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("archive_id"),
		index.Fields("status"),
		index.Fields("provider", "interaction_type"),
	}
}
