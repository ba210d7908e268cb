package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Bytes renders a byte count in human readable form.
func Bytes(n uint64) string {
	return units.HumanSize(float64(n))
}

// Duration renders a duration with second precision for log output.
func Duration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// ReadableTime renders an uptime the way the status endpoint reports it:
// "2d 3h 4m 5s", omitting leading zero units.
func ReadableTime(d time.Duration) string {
	d = d.Round(time.Second)

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd ", days)
	}
	if hours > 0 || b.Len() > 0 {
		fmt.Fprintf(&b, "%dh ", hours)
	}
	if minutes > 0 || b.Len() > 0 {
		fmt.Fprintf(&b, "%dm ", minutes)
	}
	fmt.Fprintf(&b, "%ds", seconds)
	return b.String()
}
