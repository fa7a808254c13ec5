package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	for _, tt := range []struct {
		name    string
		path    string
		err     bool
		prefix  bool
		literal int
	}{
		{name: "literal", path: "/orders/items", literal: 2},
		{name: "root", path: "/", literal: 0},
		{name: "prefix", path: "/orders/**", prefix: true, literal: 1},
		{name: "root prefix", path: "/**", prefix: true, literal: 0},
		{name: "empty", path: "", err: true},
		{name: "relative", path: "orders", err: true},
		{name: "wildcard not last", path: "/orders/**/items", err: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := &Route{ID: "r1", Path: tt.path}
			err := r.compile()
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidRoute)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.prefix, r.prefix)
			assert.Len(t, r.segments, tt.literal)
		})
	}
}

func TestMatches(t *testing.T) {
	for _, tt := range []struct {
		name    string
		pattern string
		path    string
		match   bool
		literal int
	}{
		{name: "exact", pattern: "/orders/items", path: "/orders/items", match: true, literal: 2},
		{name: "exact trailing slash", pattern: "/orders/items", path: "/orders/items/", match: true, literal: 2},
		{name: "exact too long", pattern: "/orders", path: "/orders/items", match: false},
		{name: "exact too short", pattern: "/orders/items", path: "/orders", match: false},
		{name: "prefix itself", pattern: "/orders/**", path: "/orders", match: true, literal: 1},
		{name: "prefix deep", pattern: "/orders/**", path: "/orders/1/items/2", match: true, literal: 1},
		{name: "prefix other", pattern: "/orders/**", path: "/invoices/1", match: false},
		{name: "root prefix", pattern: "/**", path: "/anything/at/all", match: true, literal: 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := &Route{ID: "r1", Path: tt.pattern}
			require.NoError(t, r.compile())

			n, ok := r.matches(splitPath(tt.path))
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.literal, n)
			}
		})
	}
}

func TestMatchesTenant(t *testing.T) {
	assert.True(t, (&Route{TenantID: "tenant-1"}).matchesTenant("tenant-1"))
	assert.False(t, (&Route{TenantID: "tenant-1"}).matchesTenant("tenant-2"))
	assert.True(t, (&Route{TenantID: TenantWildcard}).matchesTenant("tenant-2"))
	assert.True(t, (&Route{}).matchesTenant("tenant-2"))
}
