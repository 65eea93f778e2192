package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Thread holds the schema definition for the Thread entity: one
// normalized interaction record produced by a Pipe's transform step.
type Thread struct {
	ent.Schema
}

// Mixin of the Thread.
func (Thread) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the Thread.
func (Thread) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("thread_id").
			Unique().
			Immutable(),
		field.String("unique_key").
			Unique().
			Comment("interaction_type:16-hex sha256 of canonical payload JSON"),
		field.String("etl_task_id").
			Immutable(),
		field.String("provider"),
		field.String("interaction_type"),
		field.Text("preview").
			Optional().
			Nillable(),
		field.JSON("payload", map[string]interface{}{}).
			Comment("Structured normalized record"),
		field.String("version"),
		field.Time("asat").
			Comment("Timestamp the interaction occurred at"),
		field.String("asset_uri").
			Optional().
			Nillable(),
		field.Text("raw_source").
			Optional().
			Nillable(),
	}
}

// Edges of the Thread.
func (Thread) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("etl_task", EtlTask.Type).
			Ref("threads").
			Field("etl_task_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Thread.
func (Thread) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("etl_task_id"),
		index.Fields("interaction_type", "asat"),
		index.Fields("asat"),
	}
}
