package transcoder

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FFmpeg outputs: time=00:01:23.45
var timeRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

// maxLogBytes bounds how much tool output is kept for the job log.
const maxLogBytes = 64 << 10

// parseProgressTime extracts the timestamp of an ffmpeg status line in seconds.
func parseProgressTime(line string) (float64, bool) {
	m := timeRegex.FindStringSubmatch(line)
	if len(m) < 5 {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, _ := strconv.Atoi(m[3])
	frac, _ := strconv.ParseFloat("0."+m[4], 64)
	return float64(hours*3600+mins*60+secs) + frac, true
}

// progressReporter turns timestamps into throttled percent callbacks: at
// least 5% apart and no more often than the limiter allows. 100 always passes.
type progressReporter struct {
	fn       ProgressFunc
	duration float64
	limiter  *rate.Limiter
	last     int
}

func newProgressReporter(fn ProgressFunc, duration float64, every time.Duration) *progressReporter {
	return &progressReporter{
		fn:       fn,
		duration: duration,
		limiter:  rate.NewLimiter(rate.Every(every), 1),
	}
}

func (r *progressReporter) observe(seconds float64) {
	if r == nil || r.fn == nil || r.duration <= 0 {
		return
	}
	percent := min(int(seconds*100/r.duration), 100)
	if percent == 100 && r.last < 100 {
		r.last = percent
		r.fn(percent)
		return
	}
	if percent-r.last >= 5 && r.limiter.Allow() {
		r.last = percent
		r.fn(percent)
	}
}

// scanLinesOrCR splits on \n or \r; ffmpeg rewrites its status line with \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the last maxLogBytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - maxLogBytes; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// consumeOutput copies tool output into log line by line and feeds
// timestamps to the reporter. It returns when r is exhausted.
func consumeOutput(r io.Reader, log *tailBuffer, reporter *progressReporter) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	scanner.Split(scanLinesOrCR)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if secs, ok := parseProgressTime(line); ok {
			reporter.observe(secs)
			continue
		}
		log.Write([]byte(line + "\n"))
	}
	// Keep draining after a scan error so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
