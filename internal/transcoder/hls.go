package transcoder

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"slices"
)

// variantName is the per-rendition directory inside the HLS package.
func variantName(r HLSRendition) string {
	return fmt.Sprintf("%dp", r.Height)
}

// WriteMasterPlaylist writes a master playlist listing renditions from the
// lowest to the highest bandwidth.
func WriteMasterPlaylist(w io.Writer, renditions []HLSRendition) error {
	sorted := slices.Clone(renditions)
	slices.SortFunc(sorted, func(a, b HLSRendition) int {
		if c := cmp.Compare(a.Bandwidth, b.Bandwidth); c != 0 {
			return c
		}
		return cmp.Compare(a.Height, b.Height)
	})

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "#EXTM3U")
	fmt.Fprintln(bw, "#EXT-X-VERSION:3")
	for _, r := range sorted {
		bandwidth := max(r.Bandwidth, 1)
		if r.Width > 0 && r.Height > 0 {
			fmt.Fprintf(bw, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, r.Width, r.Height)
		} else {
			fmt.Fprintf(bw, "#EXT-X-STREAM-INF:BANDWIDTH=%d\n", bandwidth)
		}
		fmt.Fprintf(bw, "%s/playlist.m3u8\n", variantName(r))
	}
	return bw.Flush()
}

// EstimateBandwidth returns bits per second for a file of size bytes lasting duration seconds.
func EstimateBandwidth(size int64, duration float64) int64 {
	if duration <= 0 {
		return 0
	}
	return int64(float64(size*8) / duration)
}
