package bitmap

// FeatureBuckets is the number of hit-count buckets per edge; feature
// ids are edge*FeatureBuckets + bucket.
const FeatureBuckets = 8

// BucketOf maps a non-zero counter to a bucket in [0,7]:
//
//	counter: [1] [2] [3] [4-7] [8-15] [16-31] [32-127] [128+]
//	bucket:   0   1   2    3     4       5       6       7
func BucketOf(counter uint8) uint32 {
	switch {
	case counter >= 128:
		return 7
	case counter >= 32:
		return 6
	case counter >= 16:
		return 5
	case counter >= 8:
		return 4
	case counter >= 4:
		return 3
	case counter >= 3:
		return 2
	case counter >= 2:
		return 1
	default:
		return 0
	}
}

// ForEachFeature invokes cb with the feature id of every non-zero byte
// in the raw trace. offset shifts edge indices so that multiple targets
// can share one feature space (the differential driver passes
// k*MapSize for target k).
func ForEachFeature(trace []byte, offset uint32, cb func(id uint32)) {
	for i, c := range trace {
		if c == 0 {
			continue
		}

		cb((offset+uint32(i))*FeatureBuckets + BucketOf(c))
	}
}
