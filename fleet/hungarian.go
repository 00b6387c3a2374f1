package fleet

import "math"

// hungarianForbidden stands in for an infinite cost inside the solver.
const hungarianForbidden = 1e18

// hungarianAssign solves the square assignment problem for an n×n cost
// matrix with the Kuhn-Munkres algorithm (Jonker-Volgenant potentials).
// It returns assignment[j] = column assigned to row j. Infinite costs are
// clamped to hungarianForbidden, so every row is always assigned.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}

	c := make([][]float64, n)
	for i := range c {
		c[i] = make([]float64, n)
		for j := range c[i] {
			v := cost[i][j]
			if math.IsInf(v, 1) || math.IsNaN(v) || v > hungarianForbidden {
				v = hungarianForbidden
			}
			c[i][j] = v
		}
	}

	// 1-indexed internally; column 0 is virtual.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, n+1) // row potentials
	v := make([]float64, n+1) // column potentials
	p := make([]int, n+1)     // p[j] = row assigned to column j
	way := make([]int, n+1)   // way[j] = previous column on the augmenting path
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0

		for j := 1; j <= n; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				break
			}

			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			result[p[j]-1] = j - 1
		}
	}
	return result
}
