package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Struct binds a row type to the PostgreSQL flavor.
type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)}
}

func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return sqlbuilder.PostgreSQL.NewUpdateBuilder()
}

// OnConflictUpdate appends an upsert clause that overwrites columns with the proposed row.
func OnConflictUpdate(ib *sqlbuilder.InsertBuilder, conflict []string, columns ...string) {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	ib.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflict, ", "), strings.Join(sets, ", ")))
}

// OnConflictDoNothing appends ON CONFLICT DO NOTHING.
func OnConflictDoNothing(ib *sqlbuilder.InsertBuilder) {
	ib.SQL("ON CONFLICT DO NOTHING")
}

// AnyOf converts a typed slice for sqlbuilder's variadic In.
func AnyOf[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
