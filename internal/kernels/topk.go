package kernels

// TopK returns the indices of the k largest entries of v in descending
// order. Equal values keep index order.
func TopK(v []float64, k int) []int {
	k = min(k, len(v))
	if k <= 0 {
		return nil
	}
	out := make([]int, 0, k)
	for i, x := range v {
		if len(out) == k && x <= v[out[k-1]] {
			continue
		}
		pos := len(out)
		for pos > 0 && x > v[out[pos-1]] {
			pos--
		}
		if len(out) < k {
			out = append(out, 0)
		}
		copy(out[pos+1:], out[pos:len(out)-1])
		out[pos] = i
	}
	return out
}
