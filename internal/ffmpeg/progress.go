package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ringCapacity bounds the stderr tail retained for error reports.
const ringCapacity = 128

var (
	// "Duration: 00:01:23.45" from the input dump.
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2})\.(\d+)`)
	// "time=00:00:05.00" from the periodic stats line. ffmpeg can emit
	// negative timestamps on broken streams; those prove liveness but
	// carry no usable position.
	progressRe = regexp.MustCompile(`\btime=(-?)(\d+):(\d{2}):(\d{2})\.(\d+)`)
)

// ProgressParser turns the transcoder's stderr stream into a completion
// fraction. It learns the input duration from the first Duration line
// unless seeded with a probed value, and clamps the fraction to [0,1]
// without ever regressing. Every line is retained in a bounded ring so
// error reports can include tail context.
//
// Not safe for concurrent use; the driver owns it from a single reader
// goroutine.
type ProgressParser struct {
	duration time.Duration
	fraction float64
	ring     *LineRing
}

// NewProgressParser returns a parser. knownDuration seeds the input
// length when the caller probed it already; zero means unknown.
func NewProgressParser(knownDuration time.Duration) *ProgressParser {
	return &ProgressParser{
		duration: knownDuration,
		ring:     NewLineRing(ringCapacity),
	}
}

// ParseLine consumes one stderr line, recording it in the tail ring and
// updating the completion fraction. It reports whether the line carried a
// progress timestamp, which callers use as the liveness signal for stall
// detection.
func (p *ProgressParser) ParseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	p.ring.Append(trimmed)

	if p.duration == 0 {
		if m := durationRe.FindStringSubmatch(trimmed); m != nil {
			p.duration = parseClock(m[1], m[2], m[3], m[4])
		}
	}

	m := progressRe.FindStringSubmatch(trimmed)
	if m == nil {
		return false
	}
	if p.duration <= 0 || m[1] == "-" {
		// Unknown length or negative timestamp: the fraction stays put
		// (the driver steps it to 1.0 on success), but the line still
		// counts as a heartbeat.
		return true
	}

	current := parseClock(m[2], m[3], m[4], m[5])
	frac := float64(current) / float64(p.duration)
	if frac > 1 {
		frac = 1
	}
	if frac > p.fraction {
		p.fraction = frac
	}
	return true
}

// Fraction returns the current completion fraction in [0,1].
func (p *ProgressParser) Fraction() float64 {
	return p.fraction
}

// Duration returns the learned input duration, if any.
func (p *ProgressParser) Duration() (time.Duration, bool) {
	return p.duration, p.duration > 0
}

// Tail returns up to n of the most recent stderr lines, oldest first.
func (p *ProgressParser) Tail(n int) []string {
	return p.ring.Last(n)
}

func parseClock(hh, mm, ss, frac string) time.Duration {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	s, _ := strconv.Atoi(ss)
	sub, _ := strconv.ParseFloat("0."+frac, 64)
	seconds := float64(h*3600+m*60+s) + sub
	return time.Duration(seconds * float64(time.Second))
}

// LineRing is a fixed-capacity ring of text lines. Appending past the
// capacity overwrites the oldest entry.
type LineRing struct {
	buf   []string
	next  int
	count int
}

// NewLineRing creates a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 1
	}
	return &LineRing{buf: make([]string, capacity)}
}

// Append adds a line, evicting the oldest when full.
func (r *LineRing) Append(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of retained lines.
func (r *LineRing) Len() int {
	return r.count
}

// Last returns up to n of the most recent lines in arrival order.
func (r *LineRing) Last(n int) []string {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// All returns every retained line in arrival order.
func (r *LineRing) All() []string {
	return r.Last(r.count)
}
