package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database matches what the relay store
// expects. The relay runs it once at startup after migrating.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	checks := []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"rooms", "messages", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure compares declared column types.
func (v *SchemaValidator) ValidateTableStructure() error {
	if err := v.validateColumns("rooms", map[string]string{
		"key":             "TEXT",
		"created_at":      "DATETIME",
		"last_message_at": "DATETIME",
	}); err != nil {
		return fmt.Errorf("rooms table structure invalid: %w", err)
	}

	if err := v.validateColumns("messages", map[string]string{
		"id":         "TEXT",
		"room":       "TEXT",
		"sender":     "TEXT",
		"content":    "TEXT",
		"created_at": "DATETIME",
	}); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range []string{
		"idx_messages_room_time",
		"idx_messages_sender",
		"idx_rooms_last_message",
	} {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints probes the foreign key and content checks inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO messages (id, room, sender, content, created_at)
		VALUES ('probe', 'no-such-room', '1', 'x', CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.room")
	}

	if _, err := tx.Exec(`INSERT INTO rooms (key) VALUES ('probe-room')`); err != nil {
		return fmt.Errorf("failed to create probe room: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO messages (id, room, sender, content, created_at)
		VALUES ('probe', 'probe-room', '1', '', CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: messages.content")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
