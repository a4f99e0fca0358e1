package proxy

import (
	"errors"
	"testing"

	"github.com/any-hub/hub-mirror/internal/cache"
	"github.com/any-hub/hub-mirror/internal/upstream"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		size    int64
		want    cache.ByteRange
		partial bool
		err     error
	}{
		{name: "absent", header: "", size: 1000, want: cache.ByteRange{End: 1000}},
		{name: "closed", header: "bytes=100-199", size: 1000, want: cache.ByteRange{Start: 100, End: 200}, partial: true},
		{name: "open", header: "bytes=900-", size: 1000, want: cache.ByteRange{Start: 900, End: 1000}, partial: true},
		{name: "suffix", header: "bytes=-100", size: 1000, want: cache.ByteRange{Start: 900, End: 1000}, partial: true},
		{name: "suffix larger than file", header: "bytes=-5000", size: 1000, want: cache.ByteRange{End: 1000}, partial: true},
		{name: "end clamped", header: "bytes=990-5000", size: 1000, want: cache.ByteRange{Start: 990, End: 1000}, partial: true},
		{name: "multi range ignored", header: "bytes=0-1,5-6", size: 1000, want: cache.ByteRange{End: 1000}},
		{name: "bad unit ignored", header: "items=0-1", size: 1000, want: cache.ByteRange{End: 1000}},
		{name: "inverted ignored", header: "bytes=20-10", size: 1000, want: cache.ByteRange{End: 1000}},
		{name: "start past end", header: "bytes=1000-", size: 1000, err: errRangeNotSatisfiable},
		{name: "zero suffix", header: "bytes=-0", size: 1000, err: errRangeNotSatisfiable},
		{name: "empty file", header: "bytes=0-", size: 0, err: errRangeNotSatisfiable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, partial, err := parseRange(tc.header, tc.size)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want || partial != tc.partial {
				t.Fatalf("got %v partial=%v, want %v partial=%v", got, partial, tc.want, tc.partial)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		upstream.ErrNotFound:            404,
		upstream.ErrForbidden:           403,
		upstream.ErrUnavailable:         502,
		upstream.ErrFingerprintMismatch: 502,
		upstream.ErrTimeout:             504,
		errRangeNotSatisfiable:          416,
		errors.New("disk full"):         500,
	}
	for err, want := range cases {
		if got, _ := statusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
