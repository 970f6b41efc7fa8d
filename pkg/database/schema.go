package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the expected structure. It is
// used at startup and by the migrate command.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"users":                "Identity store",
	"conversations":        "Conversation records",
	"conversation_members": "Conversation membership",
	"messages":             "Message bodies in commit order",
	"message_receipts":     "Per-recipient delivery and read state",
	"schema_migrations":    "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_members_user":          "Conversations of a user",
	"idx_messages_conversation": "Conversation history",
	"idx_receipts_pending":      "Offline catch-up",
	"idx_receipts_unread":       "Mark-read",
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies the columns the store reads and writes.
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"messages": {
			"seq":             "INTEGER",
			"id":              "TEXT",
			"conversation_id": "TEXT",
			"sender_id":       "TEXT",
			"body":            "TEXT",
			"created_at":      "DATETIME",
		},
		"message_receipts": {
			"message_id":   "TEXT",
			"recipient_id": "TEXT",
			"delivered_at": "DATETIME",
			"read_at":      "DATETIME",
		},
		"conversation_members": {
			"conversation_id": "TEXT",
			"user_id":         "TEXT",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that foreign keys and the non-empty body
// check are enforced by the connection.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at)
		VALUES ('constraint-probe', 'missing-conversation', 'probe', 'x', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM messages WHERE id = 'constraint-probe'")
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	if _, err := v.db.Exec(`INSERT INTO conversations (id, created_at) VALUES ('constraint-probe', CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("failed to create probe conversation: %w", err)
	}
	defer func() {
		_, _ = v.db.Exec("DELETE FROM conversations WHERE id = 'constraint-probe'")
	}()

	_, err = v.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, created_at)
		VALUES ('constraint-probe', 'constraint-probe', 'probe', '', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM messages WHERE id = 'constraint-probe'")
		return fmt.Errorf("check constraint not enforced: empty message body")
	}
	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?",
		indexName,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns and types.
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, expectedType := range expectedColumns {
		foundType, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", column, foundType, expectedType)
		}
	}
	return nil
}
