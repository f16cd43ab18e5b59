package cli

import (
	"fmt"
	"time"
)

// humanBytes renders n with a binary unit suffix.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func humanRate(bytesPerSecond float64) string {
	return humanBytes(int64(bytesPerSecond)) + "/s"
}

// humanETA renders whole seconds as a short duration; zero means unknown.
func humanETA(seconds int) string {
	if seconds <= 0 {
		return "--"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func formatUnixMilli(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
