package httpserver

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPageSize and MaxPageSize bound both cursor and offset pagination.
// The Admin/Search API uses DefaultPageSize and cursor pagination for
// search execution.
const (
	DefaultPageSize = 25
	MaxPageSize = 200
)

// Cursor identifies a position in a (created_at, id) ordered result set.
// It is opaque to callers, who only ever see its base64 token form.
type Cursor struct {
	CreatedAt time.Time
	ID uuid.UUID
}

// EncodeCursor serializes a Cursor to an opaque base64 token.
func EncodeCursor(c Cursor) string {
	raw := fmt.Sprintf("%d:%s", c.CreatedAt.UnixNano(), c.ID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor id: %w", err)
	}
	return Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// CursorParams are the parsed ?after=&limit= query parameters.
type CursorParams struct {
	After *Cursor
	Limit int
}

// ParseCursorParams parses and validates cursor pagination query parameters.
func ParseCursorParams(r *http.Request) (CursorParams, error) {
	q := r.URL.Query()
	p := CursorParams{Limit: DefaultPageSize}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return CursorParams{}, fmt.Errorf("invalid limit: %w", err)
		}
		if n < 0 {
			return CursorParams{}, fmt.Errorf("limit must be non-negative")
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		if n > 0 {
			p.Limit = n
		}
	}

	if raw := q.Get("after"); raw != "" {
		c, err := DecodeCursor(raw)
		if err != nil {
			return CursorParams{}, fmt.Errorf("invalid after cursor: %w", err)
		}
		p.After = &c
	}

	return p, nil
}

// CursorPage is a single page of a lazy, single-pass, finite cursor-paginated
// sequence.
type CursorPage[T any] struct {
	Items []T `json:"items"`
	HasMore bool `json:"has_more"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// NewCursorPage builds a CursorPage from a fetch of up to limit+1 rows: if
// the fetch returned more than limit, the extra row is trimmed and HasMore
// is set, with NextCursor derived from the last returned item.
func NewCursorPage[T any](rows []T, limit int, cursorOf func(T) Cursor) CursorPage[T] {
	page := CursorPage[T]{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
	}
	if page.HasMore && len(page.Items) > 0 {
		c := EncodeCursor(cursorOf(page.Items[len(page.Items)-1]))
		page.NextCursor = &c
	}
	return page
}

// OffsetParams are the parsed ?page=&page_size= query parameters.
type OffsetParams struct {
	Page int
	PageSize int
	Offset int
}

// ParseOffsetParams parses and validates offset pagination query parameters.
func ParseOffsetParams(r *http.Request) (OffsetParams, error) {
	q := r.URL.Query()
	p := OffsetParams{Page: 1, PageSize: DefaultPageSize}

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return OffsetParams{}, fmt.Errorf("invalid page: %w", err)
		}
		if n < 1 {
			return OffsetParams{}, fmt.Errorf("page must be >= 1")
		}
		p.Page = n
	}

	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return OffsetParams{}, fmt.Errorf("invalid page_size: %w", err)
		}
		if n > MaxPageSize {
			n = MaxPageSize
		}
		if n > 0 {
			p.PageSize = n
		}
	}

	p.Offset = (p.Page - 1) * p.PageSize
	return p, nil
}

// OffsetPage is a single page of a total-count-bounded offset-paginated list.
type OffsetPage[T any] struct {
	Items []T `json:"items"`
	Page int `json:"page"`
	PageSize int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// NewOffsetPage builds an OffsetPage given the page's items, the params used
// to fetch them, and the total item count across all pages.
func NewOffsetPage[T any](items []T, p OffsetParams, totalItems int) OffsetPage[T] {
	totalPages := 0
	if totalItems > 0 && p.PageSize > 0 {
		totalPages = (totalItems + p.PageSize - 1) / p.PageSize
	}
	return OffsetPage[T]{
		Items: items,
		Page: p.Page,
		PageSize: p.PageSize,
		TotalItems: totalItems,
		TotalPages: totalPages,
	}
}
