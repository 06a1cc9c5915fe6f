package sqlstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	conversationsTable = "conversations"
	turnsTable         = "conversation_turns"
)

var timeType = map[string]string{
	dialect.Postgres: "TIMESTAMPTZ",
	dialect.SQLite:   "DATETIME",
}

var (
	conversationsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "channel", Type: field.TypeString},
		{Name: "handoff_state", Type: field.TypeString},
		{Name: "version", Type: field.TypeInt64},
		// Full context as JSON; the other columns are for operator queries.
		{Name: "state", Type: field.TypeString, Size: 2147483647},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeType},
		{Name: "updated_at", Type: field.TypeTime, SchemaType: timeType},
	}
	conversationsSchema = &schema.Table{
		Name:       conversationsTable,
		Columns:    conversationsColumns,
		PrimaryKey: []*schema.Column{conversationsColumns[0]},
	}

	turnsColumns = []*schema.Column{
		{Name: "turn_id", Type: field.TypeString},
		{Name: "conversation_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "assistant", Type: field.TypeString},
		{Name: "intent", Type: field.TypeString},
		{Name: "confidence", Type: field.TypeFloat64},
		{Name: "tools_executed", Type: field.TypeString, Size: 2147483647},
		{Name: "handoff_state", Type: field.TypeString},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeType},
	}
	turnsSchema = &schema.Table{
		Name:       turnsTable,
		Columns:    turnsColumns,
		PrimaryKey: []*schema.Column{turnsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "turn_conversation_seq", Unique: true, Columns: []*schema.Column{turnsColumns[1], turnsColumns[2]}},
		},
	}

	tables = []*schema.Table{conversationsSchema, turnsSchema}
)
