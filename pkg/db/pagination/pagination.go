package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 250
)

type Pagination struct {
	Page  int `form:"page,default=1" json:"page"`
	Limit int `form:"limit,default=20" json:"limit"`
}

type PageInfo struct {
	Page     int  `json:"page"`
	Limit    int  `json:"limit"`
	NextPage int  `json:"next_page,omitempty"`
	HasMore  bool `json:"has_more"`
}

// Normalize clamps page to >= 1 and limit to [1, MaxLimit].
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func (p Pagination) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// FetchLimit is one more than Limit so BuildPageInfo can detect a next page.
func (p Pagination) FetchLimit() int {
	return p.Normalize().Limit + 1
}

// BuildPageInfo trims data fetched with FetchLimit down to the page size.
func BuildPageInfo[T any](data []*T, p Pagination) ([]*T, *PageInfo) {
	p = p.Normalize()

	info := &PageInfo{Page: p.Page, Limit: p.Limit}
	if len(data) > p.Limit {
		data = data[:p.Limit]
		info.HasMore = true
		info.NextPage = p.Page + 1
	}

	return data, info
}
