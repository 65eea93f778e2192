package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Batch holds the schema definition for the Batch entity: the unit of
// state-machine orchestration.
type Batch struct {
	ent.Schema
}

// Mixin of the Batch.
func (Batch) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the Batch.
func (Batch) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("batch_id").
			Unique().
			Immutable(),
		field.Int("batch_number").
			Comment("1, 2, ... within a factory run"),
		field.String("category").
			Comment("Pipeline family: memories, refinement, ..."),
		field.JSON("states", []map[string]interface{}{}).
			Comment("Stack of persisted state records, index 0 is current"),
	}
}

// Edges of the Batch.
func (Batch) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("batch_threads", BatchThread.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Batch.
func (Batch) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("category"),
	}
}
