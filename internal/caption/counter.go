package caption

import (
	"fmt"
	"strings"
	"time"
)

// Counter renders a tag line with the time elapsed since a start instant.
type Counter struct {
	Since    time.Time
	Template string
	Hashtags []string
}

// Line returns the message followed by the hashtags. With no start instant
// only the hashtags are returned.
func (c Counter) Line(now time.Time) string {
	tags := append([]string(nil), c.Hashtags...)
	if c.Since.IsZero() {
		return strings.Join(tags, " ")
	}

	msg := Elapsed(c.Since, now)
	if strings.Contains(c.Template, "%s") {
		msg = fmt.Sprintf(c.Template, msg)
	} else if c.Template != "" {
		msg = c.Template + " " + msg
	}

	if days := int(now.Sub(c.Since).Hours() / 24); days > 0 {
		tags = append(tags, fmt.Sprintf("#%dDaysWaiting", days))
	}
	if len(tags) == 0 {
		return msg
	}
	return msg + " " + strings.Join(tags, " ")
}

// Elapsed formats the span between since and now as "2 days, 1 hour, 5 minutes".
func Elapsed(since, now time.Time) string {
	d := now.Sub(since)
	if d < 0 {
		return "not started yet"
	}

	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 {
		return "just started"
	}
	return strings.Join(parts, ", ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
