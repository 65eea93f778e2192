package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// TapestryProfile holds the schema definition for the TapestryProfile
// entity: one generated profile, upserted by id.
type TapestryProfile struct {
	ent.Schema
}

// Mixin of the TapestryProfile.
func (TapestryProfile) Mixin() []ent.Mixin {
	return []ent.Mixin{
		TimeMixin{},
	}
}

// Fields of the TapestryProfile.
func (TapestryProfile) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("profile_id").
			Unique().
			Immutable(),
		field.Text("content"),
		field.Time("generated_at"),
		field.Int("memory_count").
			Default(0),
	}
}
