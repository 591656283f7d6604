package enumeration

import (
	"fmt"
	"hash/fnv"
)

// BucketMode controls how discovered splits are routed to readers.
type BucketMode string

const (
	// BucketFixed pins every (partition, bucket) to one reader for the
	// enumerator's lifetime so per-key changes arrive in commit order.
	BucketFixed BucketMode = "FIXED"
	// BucketUnaware treats splits as interchangeable work drawn from a
	// single pool.
	BucketUnaware BucketMode = "UNAWARE"
)

// ParseBucketMode converts a configuration value into a BucketMode.
func ParseBucketMode(s string) (BucketMode, error) {
	switch m := BucketMode(s); m {
	case BucketFixed, BucketUnaware:
		return m, nil
	}
	return "", fmt.Errorf("unknown bucket mode %q", s)
}

// bucketKey identifies a bucket within a partition.
type bucketKey struct {
	partition string
	bucket    int
}

// Channel deterministically maps a (partition, bucket) pair onto one of
// parallelism slots. Buckets of the same partition land on consecutive slots
// starting from the partition's hash, so a partition's buckets spread evenly.
func Channel(partition string, bucket, parallelism int) int {
	if parallelism <= 0 {
		panic("parallelism must be positive")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(partition))
	start := int(h.Sum32() % uint32(parallelism))
	return ((start+bucket)%parallelism + parallelism) % parallelism
}
