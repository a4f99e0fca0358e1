package cache

import "fmt"

// ByteRange 是左闭右开的字节区间 [Start, End)。
type ByteRange struct {
	Start int64
	End   int64
}

// FullRange 返回覆盖整个文件的区间。
func FullRange(size int64) ByteRange {
	return ByteRange{Start: 0, End: size}
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Validate 检查区间是否落在文件内。
func (r ByteRange) Validate(size int64) error {
	if r.Start < 0 || r.End < r.Start || r.End > size {
		return fmt.Errorf("range %s outside file of %d bytes", r, size)
	}
	return nil
}

// ChunkCount 返回 ⌈size / chunkSize⌉。
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

// ChunkBounds 返回第 index 个分块覆盖的字节区间，最后一个分块可能更短。
func ChunkBounds(index int, size, chunkSize int64) ByteRange {
	start := int64(index) * chunkSize
	end := start + chunkSize
	if end > size {
		end = size
	}
	return ByteRange{Start: start, End: end}
}

// ChunkSpan 返回覆盖区间的首尾分块（闭区间）；空区间返回 ok=false。
func ChunkSpan(rng ByteRange, chunkSize int64) (first, last int, ok bool) {
	if rng.Len() <= 0 {
		return 0, -1, false
	}
	return int(rng.Start / chunkSize), int((rng.End - 1) / chunkSize), true
}
