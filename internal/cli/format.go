package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/StormyCloudInc/blockseek/internal/finder"
)

var scaleWords = map[string]string{
	"k": "thousand",
	"M": "million",
	"G": "billion",
	"T": "trillion",
	"P": "quadrillion",
	"E": "quintillion",
	"Z": "sextillion",
	"Y": "septillion",
}

// FormatCount spells large counts with a word scale: 2500000000 becomes
// "2.5 billion".
func FormatCount(n uint64) string {
	if n < 1000 {
		return strconv.FormatUint(n, 10)
	}
	v, prefix := humanize.ComputeSI(float64(n))
	return humanize.FtoaWithDigits(v, 2) + " " + scaleWords[prefix]
}

// FormatStatus renders a status the way the search prints it.
func FormatStatus(s finder.Status, now time.Time) string {
	if s.Phase == finder.PhaseWaitingForJob {
		return "waiting for a job"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s blocks searched\n%d seconds elapsed", FormatCount(s.Scanned), int64(s.ElapsedAt(now).Seconds()))
	if s.Phase == finder.PhaseFinished {
		fmt.Fprintf(&b, "\nFound at: %s", s.Position)
	}
	return b.String()
}

func formatRate(blocksPerSec float64) string {
	if blocksPerSec < 0 {
		blocksPerSec = 0
	}
	return FormatCount(uint64(blocksPerSec)) + " blocks/sec"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h >= 24 {
		return fmt.Sprintf("%dd %dh %dm", h/24, h%24, m)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
