package raster

// OverviewLevels returns the power-of-two decimation factors (2, 4, 8...) to
// build for a width x height raster so the smallest level's long edge is at
// most budget pixels. A raster already within budget gets no overviews.
func OverviewLevels(width, height, budget int) []int {
	if budget <= 0 {
		budget = 512
	}
	long := width
	if height > long {
		long = height
	}
	var levels []int
	for factor := 2; ceilDiv(long, factor/2) > budget; factor *= 2 {
		levels = append(levels, factor)
	}
	return levels
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
