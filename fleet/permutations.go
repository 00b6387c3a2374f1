package fleet

import (
	"fmt"

	"gonum.org/v1/gonum/stat/combin"
)

// MaxRobots is the feasibility bound for exhaustive association. The
// permutation table holds N! rows and every frame scores all of them, so
// 9 robots (362880 rows) is the largest count that still fits a 33ms tick.
const MaxRobots = 9

// PermutationTable holds every permutation of the slot indices 0..N-1.
// Row i, column j is the detection index assigned to slot j+1. The table
// is built once and shared read-only.
type PermutationTable struct {
	n    int
	rows [][]int
}

// GeneratePermutations enumerates all N! permutations of {0..N-1}.
// Row order is deterministic but carries no meaning.
func GeneratePermutations(n int) (*PermutationTable, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: robot count must be at least 1, got %d", ErrConfig, n)
	}
	if n > MaxRobots {
		return nil, fmt.Errorf("%w: %d robots would need %d permutations (max %d robots)",
			ErrResourceExhausted, n, factorial(n), MaxRobots)
	}
	return &PermutationTable{n: n, rows: combin.Permutations(n, n)}, nil
}

// N returns the number of slots each row permutes.
func (t *PermutationTable) N() int { return t.n }

// Len returns the number of rows (N!).
func (t *PermutationTable) Len() int { return len(t.rows) }

// Row returns row i. Callers must not modify it.
func (t *PermutationTable) Row(i int) []int { return t.rows[i] }

func factorial(n int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
	}
	return f
}
