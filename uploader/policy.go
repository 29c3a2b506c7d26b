package uploader

// ResumableDecision is whether an upload goes up in one shot or in parts.
type ResumableDecision int

// The upload modes.
const (
	SinglePartUploading ResumableDecision = iota
	MultiPartsUploading
)

// ResumablePolicy decides the upload mode from what is known of the
// source size.
type ResumablePolicy interface {
	Decide(size int64, sizeKnown bool) ResumableDecision
}

// AlwaysSinglePart always uploads in one shot.
type AlwaysSinglePart struct{}

// Decide implements ResumablePolicy.
func (AlwaysSinglePart) Decide(int64, bool) ResumableDecision {
	return SinglePartUploading
}

// AlwaysMultiParts always uploads in parts.
type AlwaysMultiParts struct{}

// Decide implements ResumablePolicy.
func (AlwaysMultiParts) Decide(int64, bool) ResumableDecision {
	return MultiPartsUploading
}

// FixedThreshold goes multi-part at and above a size threshold, and
// whenever the size is unknown.
type FixedThreshold struct {
	Threshold int64
}

// NewFixedThreshold makes a FixedThreshold; non-positive thresholds select
// the default part size.
func NewFixedThreshold(threshold int64) *FixedThreshold {
	if threshold <= 0 {
		threshold = DefaultPartSize
	}
	return &FixedThreshold{Threshold: threshold}
}

// Decide implements ResumablePolicy.
func (p *FixedThreshold) Decide(size int64, sizeKnown bool) ResumableDecision {
	if !sizeKnown || size >= p.Threshold {
		return MultiPartsUploading
	}
	return SinglePartUploading
}

// MultiplePartitions goes multi-part once the source covers k parts of
// the current part size.
type MultiplePartitions struct {
	PartSize PartSizeProvider
	K        int64
}

// NewMultiplePartitions makes a MultiplePartitions policy.
func NewMultiplePartitions(partSize PartSizeProvider, k int64) *MultiplePartitions {
	if k <= 0 {
		k = 1
	}
	return &MultiplePartitions{PartSize: partSize, K: k}
}

// Decide implements ResumablePolicy.
func (p *MultiplePartitions) Decide(size int64, sizeKnown bool) ResumableDecision {
	if !sizeKnown {
		return MultiPartsUploading
	}
	return NewFixedThreshold(p.PartSize.PartSize() * p.K).Decide(size, sizeKnown)
}
