package kernels

import "github.com/sbl8/stagestream/core"

// runPlan describes how an N-d copy is split into contiguous runs: the
// dimensions [split, n) are merged into one run of run elements, the
// dimensions [0, split) are iterated.
type runPlan struct {
	split int
	run   uint64
}

// planRuns coalesces trailing dimensions. An inner dimension that the
// intersection covers completely in both boxes makes consecutive rows of the
// next outer dimension adjacent in memory, so that outer dimension joins the
// run.
func planRuns(ext []uint64, srcCount, dstCount core.Dims) runPlan {
	n := len(ext)
	split := n - 1
	run := ext[split]
	for split > 0 && ext[split] == srcCount[split] && ext[split] == dstCount[split] {
		split--
		run *= ext[split]
	}
	return runPlan{split: split, run: run}
}

// CopyRuns reports how many contiguous copies NdCopy performs for the
// intersection of two boxes, or 0 when they do not overlap.
func CopyRuns(dstBox, srcBox Box) uint64 {
	if !Intersects(dstBox, srcBox) {
		return 0
	}
	n := len(srcBox.Count)
	if n == 0 {
		return 1
	}
	srcStart := startOrZero(srcBox.Start, n)
	dstStart := startOrZero(dstBox.Start, n)
	ext := make([]uint64, n)
	for d := 0; d < n; d++ {
		l := max(srcStart[d], dstStart[d])
		h := min(srcStart[d]+srcBox.Count[d], dstStart[d]+dstBox.Count[d])
		ext[d] = h - l
	}
	plan := planRuns(ext, srcBox.Count, dstBox.Count)
	runs := uint64(1)
	for d := 0; d < plan.split; d++ {
		runs *= ext[d]
	}
	return runs
}
