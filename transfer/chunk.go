package transfer

import "voidwarp/config"

// MaxChunkSize keeps one chunk plus its envelope inside a channel record.
const MaxChunkSize = 16 << 20

// maxResumeBlocks bounds the block digests one resume point carries.
const maxResumeBlocks = 256

// ChunkPolicy picks the chunk size for a file from its length.
type ChunkPolicy struct {
	SmallFileThreshold int64
	LargeFileThreshold int64
	MediumChunkSize    int
	LargeChunkSize     int
}

// ChunkPolicyFrom reads the policy out of transfer settings.
func ChunkPolicyFrom(settings config.TransferSettings) ChunkPolicy {
	def := config.DefaultTransferSettings()
	p := ChunkPolicy{
		SmallFileThreshold: settings.SmallFileThreshold,
		LargeFileThreshold: settings.LargeFileThreshold,
		MediumChunkSize:    settings.MediumChunkSize,
		LargeChunkSize:     settings.LargeChunkSize,
	}
	if p.SmallFileThreshold <= 0 {
		p.SmallFileThreshold = def.SmallFileThreshold
	}
	if p.LargeFileThreshold < p.SmallFileThreshold {
		p.LargeFileThreshold = max(def.LargeFileThreshold, p.SmallFileThreshold)
	}
	if p.MediumChunkSize <= 0 {
		p.MediumChunkSize = def.MediumChunkSize
	}
	if p.LargeChunkSize <= 0 {
		p.LargeChunkSize = def.LargeChunkSize
	}
	return p
}

// ChunkSize returns the chunk length for a file of size bytes.
func (p ChunkPolicy) ChunkSize(size int64) int {
	var chunk int
	switch {
	case size < p.SmallFileThreshold:
		chunk = int(max(size, 1))
	case size < p.LargeFileThreshold:
		chunk = p.MediumChunkSize
	default:
		chunk = p.LargeChunkSize
	}
	return min(max(chunk, 1), MaxChunkSize)
}

// ResumeBlockSize is the granularity a partial of n bytes is compared at:
// the file's chunk size, doubled until n spans at most maxResumeBlocks blocks.
func (p ChunkPolicy) ResumeBlockSize(size, n int64) int64 {
	block := int64(p.ChunkSize(size))
	for n/block > maxResumeBlocks {
		block *= 2
	}
	return block
}
