package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingKeepsNewestFirst(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushes   int
		expected []int
	}{
		{"empty", 3, 0, []int{}},
		{"partial", 3, 2, []int{2, 1}},
		{"full", 3, 3, []int{3, 2, 1}},
		{"wrapped", 3, 5, []int{5, 4, 3}},
		{"zero capacity holds one", 0, 4, []int{4}},
		{"negative capacity holds one", -2, 2, []int{2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New[int](tc.capacity)
			for i := 1; i <= tc.pushes; i++ {
				r.Push(i)
			}
			assert.Equal(t, tc.expected, r.Items())
		})
	}
}

func TestRingItemsIsCopy(t *testing.T) {
	r := New[string](2)
	r.Push("a")

	items := r.Items()
	items[0] = "mutated"
	assert.Equal(t, []string{"a"}, r.Items())
}
