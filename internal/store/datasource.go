package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// querySource describes a table that flows may read and update.
type querySource struct {
	table    string
	columns  []string
	writable map[string]bool
	bools    map[string]bool
}

var querySources = map[string]querySource{
	"payments": {
		table:    "payments",
		columns:  []string{"id", "contact_id", "amount", "currency", "payment_type", "payment_method", "status", "reference", "proof_of_payment", "notes", "created_at", "updated_at"},
		writable: map[string]bool{"status": true, "reference": true, "notes": true, "proof_of_payment": true, "payment_method": true},
	},
	"submissions": {
		table:    "submissions",
		columns:  []string{"id", "contact_id", "text", "category", "is_anonymous", "created_at"},
		writable: map[string]bool{"category": true, "is_anonymous": true},
		bools:    map[string]bool{"is_anonymous": true},
	},
	"events": {
		table:    "events",
		columns:  []string{"id", "title", "starts_at", "location", "capacity", "created_at"},
		writable: map[string]bool{"title": true, "location": true, "capacity": true},
	},
	"sermons": {
		table:    "sermons",
		columns:  []string{"id", "title", "preacher", "sermon_date", "video_link", "audio_link", "description", "is_published", "created_at"},
		writable: map[string]bool{"is_published": true, "video_link": true, "audio_link": true, "description": true},
		bools:    map[string]bool{"is_published": true},
	},
	"ministries": {
		table:    "ministries",
		columns:  []string{"id", "name", "description", "leader_name", "contact_info", "meeting_schedule", "is_active", "created_at"},
		writable: map[string]bool{"is_active": true, "leader_name": true, "contact_info": true, "meeting_schedule": true},
		bools:    map[string]bool{"is_active": true},
	},
	"bookings": {
		table:    "bookings",
		columns:  []string{"id", "contact_id", "event_id", "ticket_count", "status", "notes", "created_at"},
		writable: map[string]bool{"status": true, "notes": true, "ticket_count": true},
	},
}

func (qs querySource) hasColumn(name string) bool {
	for _, c := range qs.columns {
		if c == name {
			return true
		}
	}
	return false
}

const maxQueryLimit = 100

// Query reads rows from a whitelisted source. Filters use `field` or
// `field__op` keys where op is one of gt, gte, lt, lte, ne, in, contains,
// icontains or isnull. OrderBy entries prefixed with '-' sort descending.
// Rows are returned as maps; bookings also carry their event under "event".
func (t *contactTx) Query(ctx context.Context, q models.Query) ([]any, error) {
	src, ok := querySources[q.Source]
	if !ok {
		return nil, fmt.Errorf("unknown query source %q", q.Source)
	}
	where, args, err := t.buildWhere(src, "s.", q.Filters)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(src.columns))
	for i, c := range src.columns {
		cols[i] = "s." + c
	}
	query := `SELECT ` + strings.Join(cols, ", ")
	if q.Source == "bookings" {
		query += `, e.title, e.starts_at, e.location FROM bookings s LEFT JOIN events e ON e.id = s.event_id`
	} else {
		query += ` FROM ` + src.table + ` s`
	}
	if where != "" {
		query += ` WHERE ` + where
	}

	order, err := buildOrder(src, q.OrderBy)
	if err != nil {
		return nil, err
	}
	if order != "" {
		query += ` ORDER BY ` + order
	}
	limit := q.Limit
	if limit <= 0 || limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		slog.Error(t.d.name+" Query failed", "error", err, "source", q.Source)
		return nil, fmt.Errorf("query %s: %w", q.Source, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		n := len(src.columns)
		if q.Source == "bookings" {
			n += 3
		}
		raw := make([]any, n)
		ptrs := make([]any, n)
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", q.Source, err)
		}
		rec := make(map[string]any, n)
		for i, c := range src.columns {
			rec[c] = normalizeValue(raw[i], src.bools[c])
		}
		if q.Source == "bookings" {
			base := len(src.columns)
			if raw[base] != nil {
				rec["event"] = map[string]any{
					"id":        rec["event_id"],
					"title":     normalizeValue(raw[base], false),
					"starts_at": normalizeValue(raw[base+1], false),
					"location":  normalizeValue(raw[base+2], false),
				}
			} else {
				rec["event"] = nil
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", q.Source, err)
	}
	slog.Debug(t.d.name+" Query succeeded", "source", q.Source, "rows", len(out))
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// UpdateRecords sets writable columns on every row of source matching filters.
// An empty filter set is rejected so a flow cannot rewrite a whole table.
func (t *contactTx) UpdateRecords(ctx context.Context, source string, filters, updates map[string]any) (int64, error) {
	src, ok := querySources[source]
	if !ok {
		return 0, fmt.Errorf("unknown query source %q", source)
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("update %s: filters are required", source)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(updates))
	for k := range updates {
		if !src.writable[k] {
			return 0, fmt.Errorf("update %s: field %q is not writable", source, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+len(filters)+1)
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		args = append(args, updates[k])
	}
	if src.hasColumn("updated_at") {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC())
	}

	where, whereArgs, err := t.buildWhere(src, "", filters)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	result, err := t.exec(ctx, `UPDATE `+src.table+` SET `+strings.Join(sets, ", ")+` WHERE `+where, args...)
	if err != nil {
		slog.Error(t.d.name+" UpdateRecords failed", "error", err, "source", source)
		return 0, fmt.Errorf("update %s: %w", source, err)
	}
	n, _ := result.RowsAffected()
	slog.Debug(t.d.name+" UpdateRecords succeeded", "source", source, "rows", n)
	return n, nil
}

func (t *contactTx) buildWhere(src querySource, prefix string, filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	for _, key := range keys {
		value := filters[key]
		field, op, _ := strings.Cut(key, "__")
		if !src.hasColumn(field) {
			return "", nil, fmt.Errorf("unknown field %q for source %s", field, src.table)
		}
		col := prefix + field
		switch op {
		case "", "exact":
			if value == nil {
				clauses = append(clauses, col+" IS NULL")
				continue
			}
			clauses = append(clauses, col+" = ?")
			args = append(args, value)
		case "ne":
			clauses = append(clauses, col+" <> ?")
			args = append(args, value)
		case "gt":
			clauses = append(clauses, col+" > ?")
			args = append(args, value)
		case "gte":
			clauses = append(clauses, col+" >= ?")
			args = append(args, value)
		case "lt":
			clauses = append(clauses, col+" < ?")
			args = append(args, value)
		case "lte":
			clauses = append(clauses, col+" <= ?")
			args = append(args, value)
		case "contains":
			clauses = append(clauses, col+" LIKE ?")
			args = append(args, "%"+fmt.Sprint(value)+"%")
		case "icontains":
			clauses = append(clauses, col+" "+t.d.likeOp()+" ?")
			args = append(args, "%"+fmt.Sprint(value)+"%")
		case "isnull":
			if truthy(value) {
				clauses = append(clauses, col+" IS NULL")
			} else {
				clauses = append(clauses, col+" IS NOT NULL")
			}
		case "in":
			items := toSlice(value)
			if len(items) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			clauses = append(clauses, col+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(items)), ", ")+")")
			args = append(args, items...)
		default:
			return "", nil, fmt.Errorf("unsupported filter operator %q", op)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func buildOrder(src querySource, orderBy []string) (string, error) {
	parts := make([]string, 0, len(orderBy))
	for _, o := range orderBy {
		dir := "ASC"
		field := strings.TrimSpace(o)
		if strings.HasPrefix(field, "-") {
			dir = "DESC"
			field = field[1:]
		}
		if !src.hasColumn(field) {
			return "", fmt.Errorf("unknown order field %q for source %s", field, src.table)
		}
		parts = append(parts, "s."+field+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func normalizeValue(v any, isBool bool) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case int64:
		if isBool {
			return x != 0
		}
		return x
	case sql.NullString:
		if !x.Valid {
			return nil
		}
		return x.String
	}
	return v
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "1" || s == "yes"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return v != nil
}

func toSlice(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case string:
		var out []any
		for _, part := range strings.Split(x, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}
