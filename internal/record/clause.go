package record

import "strings"

// Clause is one WHERE condition. Clauses passed together are ANDed, matching
// the query shapes the store needs: equality, membership, and an OR of
// equalities.
type Clause struct {
	sql  string
	args []any
}

func Eq(col string, val any) Clause {
	return Clause{sql: col + " = ?", args: []any{bindValue(val)}}
}

func OneOf(col string, vals []string) Clause {
	if len(vals) == 0 {
		return Clause{sql: "0"}
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return Clause{
		sql:  col + " IN (?" + strings.Repeat(", ?", len(vals)-1) + ")",
		args: args,
	}
}

// Any ORs the given clauses.
func Any(clauses ...Clause) Clause {
	parts := make([]string, len(clauses))
	var args []any
	for i, c := range clauses {
		parts[i] = c.sql
		args = append(args, c.args...)
	}
	return Clause{sql: "(" + strings.Join(parts, " OR ") + ")", args: args}
}

func buildWhere(clauses []Clause) (string, []any) {
	if len(clauses) == 0 {
		return "", nil
	}
	var b strings.Builder
	var args []any
	for _, c := range clauses {
		b.WriteString(" AND ")
		b.WriteString(c.sql)
		args = append(args, c.args...)
	}
	return b.String(), args
}

func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}
