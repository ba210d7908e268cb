package streamer

// Range describes how a requested byte range maps onto aligned upstream
// chunks. Offset is always chunk-aligned; FirstCut and LastCut slice the
// first and last fetched chunks down to the requested bytes.
type Range struct {
	Offset    int64
	FirstCut  int64
	LastCut   int64
	PartCount int
	Length    int64
}

// ComputeRange maps the inclusive byte range [from, until] onto chunk
// fetches of chunkSize bytes.
func ComputeRange(from, until, chunkSize int64) Range {
	offset := from - (from % chunkSize)

	partCount := ceilDiv(until, chunkSize) - offset/chunkSize
	if partCount < 1 {
		partCount = 1
	}

	return Range{
		Offset:    offset,
		FirstCut:  from - offset,
		LastCut:   (until % chunkSize) + 1,
		PartCount: int(partCount),
		Length:    until - from + 1,
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
