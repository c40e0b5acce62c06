package transport

import "fmt"

// FormatBytesMiB renders buffer sizes, preferring whole MiB.
func FormatBytesMiB(n int) string {
	if n <= 0 {
		return "0B"
	}
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	return fmt.Sprintf("%dB", n)
}

// FormatBytes renders a byte count with a binary unit and two decimals.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 4; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}

// FormatRate renders a bytes-per-second rate.
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(bps)) + "/s"
}
