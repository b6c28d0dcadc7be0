package chain

import "fmt"

// DefaultScanWindow bounds historical log scans.
const DefaultScanWindow uint64 = 500

// BlockRange represents an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits an inclusive block range into chunks of at most size blocks.
func SplitRange(from, to, size uint64) ([]BlockRange, error) {
	if size == 0 {
		return nil, fmt.Errorf("window size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	ranges := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges, nil
}

// ScanStart returns the first block to scan given the latest head and the
// last observed marker. Without a marker, or when the marker is further back
// than window, the scan starts window blocks below the head.
func ScanStart(latest, marker uint64, hasMarker bool, window uint64) uint64 {
	if window == 0 {
		window = DefaultScanWindow
	}
	floor := uint64(0)
	if latest+1 > window {
		floor = latest + 1 - window
	}
	if !hasMarker || marker+1 < floor {
		return floor
	}
	return marker + 1
}
