package option

import (
	"fmt"
	"strings"

	"rewards-core/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption is a gorm scope applied by repository queries.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ     Operator = "="
	NEQ    Operator = "<>"
	GT     Operator = ">"
	GTE    Operator = ">="
	LT     Operator = "<"
	LTE    Operator = "<="
	IN     Operator = "IN"
	NOTIN  Operator = "NOT IN"
	ISNULL Operator = "IS NULL"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// LockingUpdate adds SELECT ... FOR UPDATE. Dialects without row locks (sqlite) ignore it.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		field := s.SortBy
		if field == "" {
			field = "created_at"
		}
		if s.Allow != nil && !s.Allow[field] {
			return db
		}

		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: field}, Desc: desc})
	}
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, c := range conds {
			col := clause.Column{Name: c.Field}
			switch c.Operator {
			case ISNULL:
				db = db.Where(clause.Expr{SQL: "? IS NULL", Vars: []any{col}})
			case IN, NOTIN:
				db = db.Where(clause.Expr{SQL: fmt.Sprintf("? %s ?", c.Operator), Vars: []any{col, c.Value}})
			case "":
				db = db.Where(clause.Eq{Column: col, Value: c.Value})
			default:
				db = db.Where(clause.Expr{SQL: fmt.Sprintf("? %s ?", c.Operator), Vars: []any{col, c.Value}})
			}
		}
		return db
	}
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Normalize().Limit
		return db.Offset(p.Offset()).Limit(limit)
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}
