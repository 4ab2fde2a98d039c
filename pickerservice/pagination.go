package pickerservice

import "strconv"

// Page represents a single page of results with an optional cursor for
// fetching the next page. It is a generic helper intended for capability
// methods that return paginated data.
//
// Items is never nil; NewPage normalizes nil input to an empty slice for
// ergonomics at call sites. An empty NextCursor means no further pages
// exist, matching the wire encoding where the field is simply omitted.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the next cursor on the Page to indicate that more
// results are available.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = cursor
	}
}

// NewPage constructs a Page with the provided items and optional
// configuration options. If items is nil, it will be replaced with an empty
// slice.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// parseCursor turns an opaque offset cursor into a start index. Empty and
// malformed cursors restart from the beginning rather than erroring so a
// stale cursor from an earlier listing never wedges a client.
func parseCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// PageOf paginates an already-ordered slice using numeric offset cursors.
// The returned page holds a copy so later mutation of items cannot race
// with a caller still reading the page. pageSize <= 0 disables pagination.
func PageOf[T any](items []T, cursor string, pageSize int) Page[T] {
	start := parseCursor(cursor)
	if start > len(items) {
		start = len(items)
	}
	end := len(items)
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	if end < len(items) {
		return NewPage(out, WithNextCursor[T](strconv.Itoa(end)))
	}
	return NewPage(out)
}
