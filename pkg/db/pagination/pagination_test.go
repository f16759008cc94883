package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, Pagination{Page: 1, Limit: 20}, Pagination{}.Normalize())
	require.Equal(t, Pagination{Page: 3, Limit: 100}, Pagination{Page: 3, Limit: 500}.Normalize())
}

func TestBuildPageInfo(t *testing.T) {
	info := BuildPageInfo(Pagination{Page: 2, Limit: 10}, 21)
	require.Equal(t, 3, info.TotalPages)
	require.Equal(t, int64(21), info.Total)
	require.Equal(t, 10, Pagination{Page: 2, Limit: 10}.Offset())

	require.Equal(t, 0, BuildPageInfo(Pagination{}, 0).TotalPages)
}
