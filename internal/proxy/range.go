package proxy

import (
	"errors"
	"strconv"
	"strings"

	"github.com/any-hub/hub-mirror/internal/cache"
)

var errRangeNotSatisfiable = errors.New("range not satisfiable")

// parseRange 解析单段 Range 头。无 Range、多段 Range 或语法错误时返回整个文件且 partial=false，
// 与 RFC 9110 "忽略无法理解的 Range" 的要求一致；区间起点越过文件末尾时返回 errRangeNotSatisfiable。
func parseRange(header string, size int64) (rng cache.ByteRange, partial bool, err error) {
	full := cache.FullRange(size)
	header = strings.TrimSpace(header)
	if header == "" {
		return full, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return full, false, nil
	}
	startRaw, endRaw, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return full, false, nil
	}
	startRaw, endRaw = strings.TrimSpace(startRaw), strings.TrimSpace(endRaw)

	if startRaw == "" {
		// bytes=-n 表示最后 n 个字节。
		n, perr := strconv.ParseInt(endRaw, 10, 64)
		if perr != nil || n < 0 {
			return full, false, nil
		}
		if n == 0 || size == 0 {
			return cache.ByteRange{}, false, errRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return cache.ByteRange{Start: size - n, End: size}, true, nil
	}

	start, perr := strconv.ParseInt(startRaw, 10, 64)
	if perr != nil || start < 0 {
		return full, false, nil
	}
	end := size - 1
	if endRaw != "" {
		end, perr = strconv.ParseInt(endRaw, 10, 64)
		if perr != nil || end < start {
			return full, false, nil
		}
	}
	if start >= size {
		return cache.ByteRange{}, false, errRangeNotSatisfiable
	}
	if end >= size {
		end = size - 1
	}
	return cache.ByteRange{Start: start, End: end + 1}, true, nil
}
