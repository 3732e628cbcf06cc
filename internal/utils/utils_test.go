package utils_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxgio92/cutrace/internal/utils"
)

func TestHash(t *testing.T) {
	require.NotEqual(t, utils.Hash("cuMemAlloc"), utils.Hash("cuMemFree"),
		"Hash should differ for different inputs",
	)

	require.Equal(
		t, utils.Hash("cuLaunchKernel"), utils.Hash("cuLaunchKernel"),
		"Hash should be deterministic for the same input",
	)
}

func TestLenSyncMap(t *testing.T) {
	var m sync.Map
	require.Equal(t, 0, utils.LenSyncMap(&m))

	m.Store("foo", 1)
	m.Store("bar", 2)
	m.Store("baz", 3)

	require.Equal(t, 3, utils.LenSyncMap(&m))
}

func TestHexPtr(t *testing.T) {
	require.Equal(t, "0x0", utils.HexPtr(0))
	require.Equal(t, "0x7f3a40000000", utils.HexPtr(0x7f3a40000000))
}
