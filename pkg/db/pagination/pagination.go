package pagination

const (
	DefaultLimit = 10
	MaxLimit     = 250
)

// Pagination is page-number pagination as used by the history screens (page starts at 1).
type Pagination struct {
	Page  int `form:"page,default=1"`
	Limit int `form:"limit,default=10" validate:"gte=1,lte=250"`
}

type PageInfo struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// Page is one page of results.
type Page[T any] struct {
	Data     []*T     `json:"data"`
	PageInfo PageInfo `json:"page_info"`
}

func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func (p Pagination) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

func NewPage[T any](data []*T, p Pagination, total int64) *Page[T] {
	n := p.Normalize()
	if data == nil {
		data = make([]*T, 0)
	}
	return &Page[T]{
		Data: data,
		PageInfo: PageInfo{
			Page:    n.Page,
			Limit:   n.Limit,
			Total:   total,
			HasMore: int64(n.Offset()+len(data)) < total,
		},
	}
}
