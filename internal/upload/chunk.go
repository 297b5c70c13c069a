// Package upload coordinates object uploads: presigned single-part
// PUTs for small objects, multipart sessions with adaptive part
// sizing for large ones, and a server-side relay path that streams a
// request body straight into the store.
package upload

import "github.com/dustin/go-humanize"

// Part sizing limits. Part counts are capped well under the S3
// protocol maximum of 10000 to leave headroom for retried tails.
const (
	MaxParts        = 8000
	MinPartSize     = 25 * humanize.MiByte
	MaxPartSize     = 500 * humanize.MiByte
	ConcurrentParts = 10

	// MultipartThreshold is the object size at and above which uploads
	// switch from a single presigned PUT to a multipart session.
	MultipartThreshold = 50 * humanize.MiByte
)

// NetworkHint biases part sizing toward what the client link can
// sustain: bigger parts amortize per-request overhead on fast links,
// smaller parts keep retries cheap on slow ones.
type NetworkHint string

const (
	NetworkDefault NetworkHint = ""
	NetworkFast    NetworkHint = "fast"
	NetworkSlow    NetworkHint = "slow"
)

func (h NetworkHint) multiplier() float64 {
	switch h {
	case NetworkFast:
		return 1.5
	case NetworkSlow:
		return 0.5
	default:
		return 1.0
	}
}

// PartSize picks a part size for an object of the given total size.
// A size tier sets the base, the network hint scales it, and the
// result is clamped to the min/max bounds and, last, grown if needed
// so the whole object fits in MaxParts parts.
func PartSize(totalSize int64, hint NetworkHint) int64 {
	var base int64
	switch {
	case totalSize > 50*humanize.GiByte:
		base = 100 * humanize.MiByte
	case totalSize > 5*humanize.GiByte:
		base = 50 * humanize.MiByte
	case totalSize > humanize.GiByte:
		base = 32 * humanize.MiByte
	case totalSize > 500*humanize.MiByte:
		base = 28 * humanize.MiByte
	default:
		base = MinPartSize
	}

	size := int64(float64(base) * hint.multiplier())
	if size < MinPartSize {
		size = MinPartSize
	}
	if size > MaxPartSize {
		size = MaxPartSize
	}

	// The part-count cap wins over everything else.
	if minForCount := (totalSize + MaxParts - 1) / MaxParts; size < minForCount {
		size = minForCount
	}
	return size
}

// PartCount returns how many parts an object of totalSize splits into
// at the given part size.
func PartCount(totalSize, partSize int64) int32 {
	if totalSize == 0 {
		return 1
	}
	return int32((totalSize + partSize - 1) / partSize)
}

// UseMultipart reports whether an object of the given size should go
// through a multipart session.
func UseMultipart(size int64) bool {
	return size >= MultipartThreshold
}
