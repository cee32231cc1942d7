package store

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Page selects a window of an ordered listing. Number is 1-indexed.
type Page struct {
	Number int
	Size   int
}

// NewPage clamps a caller-supplied page request into range
func NewPage(number, size int) Page {
	if number < 1 {
		number = 1
	}
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}
	return Page{Number: number, Size: size}
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Size
}

// PageInfo describes where a returned window sits in the full result set
type PageInfo struct {
	Total   int64 `json:"total"`
	Pages   int   `json:"pages"`
	Page    int   `json:"page"`
	Size    int   `json:"page_size"`
	HasNext bool  `json:"has_next"`
}

func pageInfo(total int64, p Page) PageInfo {
	pages := int((total + int64(p.Size) - 1) / int64(p.Size))
	return PageInfo{
		Total:   total,
		Pages:   pages,
		Page:    p.Number,
		Size:    p.Size,
		HasNext: p.Number < pages,
	}
}
