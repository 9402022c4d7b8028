package handlers_test

import (
	"net/http/httptest"
	"testing"

	"github.com/malbeclabs/payouts/api/handlers"
	"github.com/stretchr/testify/assert"
)

func TestPayouts_API_ParsePagination(t *testing.T) {
	p := handlers.ParsePagination(httptest.NewRequest("GET", "/?limit=5000&offset=-1", nil), 0)
	assert.Equal(t, handlers.MaxLimit, p.Limit)
	assert.Equal(t, 0, p.Offset)

	p = handlers.ParsePagination(httptest.NewRequest("GET", "/?limit=abc&offset=3", nil), 10)
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, 3, p.Offset)
}

func TestPayouts_API_Paginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page := handlers.Paginate(items, handlers.PaginationParams{Limit: 2, Offset: 1})
	assert.Equal(t, []int{2, 3}, page.Items)
	assert.Equal(t, 5, page.Total)

	page = handlers.Paginate(items, handlers.PaginationParams{Limit: 2, Offset: 10})
	assert.Equal(t, []int{}, page.Items)
}
