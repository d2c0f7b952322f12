package access

import (
	"context"
)

// Operation is a single request made through a store handle. Name is the
// logical operation (for example "update_consultation") and is what the
// level policy inspects; Query, when set, is raw SQL whose leading keyword
// is checked as well.
type Operation struct {
	Name  string
	Table string
	Query string
	Args  []any
}

type Row map[string]any

type Result struct {
	RowsAffected int64
	Rows         []Row
}

// Store is a data-store handle.
type Store interface {
	Do(ctx context.Context, op Operation) (*Result, error)
	Close() error
}

// Connector opens the pooled store backing one privilege level.
type Connector interface {
	Connect(ctx context.Context, level Level, maxConns int) (Store, error)
}
