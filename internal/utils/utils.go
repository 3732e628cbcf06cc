package utils

import (
	"fmt"
	"hash/fnv"
	"sync"
)

func Hash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))

	return h.Sum64()
}

func LenSyncMap(m *sync.Map) int {
	var i int
	m.Range(func(k, v interface{}) bool {
		i++
		return true
	})
	return i
}

// HexPtr renders a pointer-sized value the way the CUDA driver prints
// handles, e.g. 0x7f3a40000000. Zero values render as 0x0.
func HexPtr(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
