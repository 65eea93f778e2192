package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// BatchThread holds the schema definition for the BatchThread entity:
// the many-to-many link between a Batch and the Threads it covers,
// carrying the group_id so group membership survives restarts.
//
// Threads are referenced by id only (no ownership edge, no cascade):
// deleting a batch must never delete the underlying threads.
type BatchThread struct {
	ent.Schema
}

// Mixin of the BatchThread.
func (BatchThread) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the BatchThread.
func (BatchThread) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("batch_thread_id").
			Unique().
			Immutable(),
		field.String("batch_id").
			Immutable(),
		field.String("thread_id").
			Comment("Plain reference by id, no foreign-key edge on purpose").
			Immutable(),
		field.String("group_id").
			Immutable(),
	}
}

// Edges of the BatchThread.
func (BatchThread) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("batch", Batch.Type).
			Ref("batch_threads").
			Field("batch_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the BatchThread.
func (BatchThread) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("batch_id", "group_id"),
		index.Fields("thread_id"),
	}
}
