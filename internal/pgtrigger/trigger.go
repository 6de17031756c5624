// Package pgtrigger generates and removes the database-side DDL that turns
// row mutations into asynchronous channel notifications.
//
// Per table it installs one shared PL/pgSQL trigger function and one trigger
// per requested event. The function serializes the affected row (optionally
// restricted to a column subset) and emits it with pg_notify on a channel
// named after the table. NOTIFY payloads are capped by the server at 8000
// bytes; wide rows should use a column subset.
package pgtrigger

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"pgbus/internal/registry"
	"pgbus/internal/types"
)

// AllEvents is the default event set, in deterministic creation order.
var AllEvents = []types.ChangeAction{types.ActionInsert, types.ActionUpdate, types.ActionDelete}

// identRe accepts plain PostgreSQL identifiers. DDL requires interpolating
// names, so anything else is rejected before any statement is built.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// config accumulates CreateChangeTrigger options.
type config struct {
	events  []types.ChangeAction
	columns []string
}

// Option customizes a CreateChangeTrigger call.
type Option func(*config)

// WithEvents restricts the trigger set to the given events instead of the
// full INSERT/UPDATE/DELETE set.
func WithEvents(events ...types.ChangeAction) Option {
	return func(c *config) { c.events = events }
}

// WithColumns restricts the notification payload to the given columns
// instead of the whole row.
func WithColumns(columns ...string) Option {
	return func(c *config) { c.columns = columns }
}

// TriggerName returns the deterministic trigger name for a table/event pair.
func TriggerName(table string, event types.ChangeAction) string {
	return fmt.Sprintf("%s_notify_trigger_%s", table, strings.ToLower(string(event)))
}

// FunctionName returns the shared trigger function name for a table.
func FunctionName(table string) string {
	return fmt.Sprintf("%s_notify_fn", table)
}

// Channel returns the notification channel name for a table. Kept in one
// place so the dispatcher and the DDL generator cannot drift apart.
func Channel(table string) string {
	return table
}

// CreateChangeTrigger validates the requested events and columns, installs
// the shared trigger function, and creates one trigger per event. All
// validation happens before any DDL executes, so a rejected call leaves no
// partial trigger set behind. Re-creating an existing trigger replaces it.
func CreateChangeTrigger(ctx context.Context, db registry.DBTX, table string, opts ...Option) error {
	cfg := config{events: AllEvents}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !identRe.MatchString(table) {
		return types.NewAppError(types.ErrCodeInvalidTable,
			fmt.Sprintf("invalid table name %q", table), nil)
	}
	for _, ev := range cfg.events {
		if !ev.Valid() {
			return types.NewAppError(types.ErrCodeInvalidEvent,
				fmt.Sprintf("invalid event %q, must be one of INSERT, UPDATE, DELETE", string(ev)), nil)
		}
	}

	actual, err := tableColumns(ctx, db, table)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to inspect columns of %q", table), err)
	}
	if len(actual) == 0 {
		return types.NewAppError(types.ErrCodeInvalidTable,
			fmt.Sprintf("table %q does not exist", table), nil)
	}
	if err := validateColumns(table, cfg.columns, actual); err != nil {
		return err
	}

	if _, err := db.Exec(ctx, functionDDL(table, cfg.columns)); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to create trigger function for %q", table), err)
	}

	for _, ev := range cfg.events {
		name := TriggerName(table, ev)
		drop := fmt.Sprintf(`DROP TRIGGER IF EXISTS %q ON %q`, name, table)
		if _, err := db.Exec(ctx, drop); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to replace trigger %q", name), err)
		}
		create := fmt.Sprintf(
			`CREATE TRIGGER %q AFTER %s ON %q FOR EACH ROW EXECUTE FUNCTION %q()`,
			name, string(ev), table, FunctionName(table))
		if _, err := db.Exec(ctx, create); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to create trigger %q", name), err)
		}
	}
	return nil
}

// DropChangeTrigger drops all three possible triggers for the table plus
// the shared function. Absent triggers are a no-op, not an error.
func DropChangeTrigger(ctx context.Context, db registry.DBTX, table string) error {
	if !identRe.MatchString(table) {
		return types.NewAppError(types.ErrCodeInvalidTable,
			fmt.Sprintf("invalid table name %q", table), nil)
	}
	for _, ev := range AllEvents {
		drop := fmt.Sprintf(`DROP TRIGGER IF EXISTS %q ON %q`, TriggerName(table, ev), table)
		if _, err := db.Exec(ctx, drop); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB,
				fmt.Sprintf("failed to drop triggers on %q", table), err)
		}
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(`DROP FUNCTION IF EXISTS %q()`, FunctionName(table))); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to drop trigger function for %q", table), err)
	}
	return nil
}

// tableColumns returns the table's column names in ordinal order from the
// current schema.
func tableColumns(ctx context.Context, db registry.DBTX, table string) ([]string, error) {
	rows, err := db.Query(ctx,
		`SELECT column_name
		 FROM information_schema.columns
		 WHERE table_name = $1 AND table_schema = current_schema()
		 ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// validateColumns checks the requested subset against the table's actual
// column set.
func validateColumns(table string, requested, actual []string) error {
	if len(requested) == 0 {
		return nil
	}
	known := make(map[string]bool, len(actual))
	for _, c := range actual {
		known[c] = true
	}
	for _, c := range requested {
		if !identRe.MatchString(c) || !known[c] {
			return types.NewAppErrorWithDetails(types.ErrCodeInvalidColumn,
				fmt.Sprintf("column %q does not exist on table %q", c, table), nil,
				map[string]any{"table": table, "column": c})
		}
	}
	return nil
}

// functionDDL builds the shared PL/pgSQL trigger function. With no column
// subset the whole row is serialized; otherwise only the listed columns.
func functionDDL(table string, columns []string) string {
	rowExpr := "to_json(rec)"
	if len(columns) > 0 {
		pairs := make([]string, 0, len(columns))
		for _, c := range columns {
			pairs = append(pairs, fmt.Sprintf("'%s', rec.%q", c, c))
		}
		rowExpr = fmt.Sprintf("json_build_object(%s)", strings.Join(pairs, ", "))
	}

	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %q() RETURNS trigger AS $fn$
DECLARE
    rec record;
    payload json;
BEGIN
    IF (TG_OP = 'DELETE') THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    payload := json_build_object(
        'table', TG_TABLE_NAME,
        'action', TG_OP,
        'data', %s,
        'timestamp', now()
    );
    PERFORM pg_notify('%s', payload::text);
    IF (TG_OP = 'DELETE') THEN
        RETURN OLD;
    END IF;
    RETURN NEW;
END;
$fn$ LANGUAGE plpgsql`, FunctionName(table), rowExpr, Channel(table))
}
