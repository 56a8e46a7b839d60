package evaluate

import (
	"math"

	"github.com/sells-group/comp-engine/internal/model"
)

// Locate returns the index of the band containing v, or -1.
//
// Bands are [Min, Max). The last band is also closed on top, so any value at
// or above its Min resolves to it regardless of its nominal Max.
func Locate(bands []model.Band, v float64) int {
	if math.IsNaN(v) {
		return -1
	}
	for i, b := range bands {
		if b.Contains(v) {
			return i
		}
	}
	if n := len(bands); n > 0 && v >= bands[n-1].Min {
		return n - 1
	}
	return -1
}

func bandLabel(bands []model.Band, i int) string {
	if i < 0 || i >= len(bands) {
		return ""
	}
	return bands[i].Label
}
