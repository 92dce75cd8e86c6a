package domain

import "fmt"

// NodeUsage is bandwidth usage reported by the panel for a window of time.
type NodeUsage struct {
	NodeID   int    `json:"node_id"`
	NodeName string `json:"node_name"`
	Uplink   int64  `json:"uplink"`
	Downlink int64  `json:"downlink"`
}

// Total is the combined uplink and downlink usage.
func (u NodeUsage) Total() int64 {
	return u.Uplink + u.Downlink
}

// FormattedUplink renders Uplink via FormatBytes.
func (u NodeUsage) FormattedUplink() string { return FormatBytes(u.Uplink) }

// FormattedDownlink renders Downlink via FormatBytes.
func (u NodeUsage) FormattedDownlink() string { return FormatBytes(u.Downlink) }

// FormattedTotal renders Total via FormatBytes.
func (u NodeUsage) FormattedTotal() string { return FormatBytes(u.Total()) }

var byteUnits = [...]string{"B", "KB", "MB", "GB", "TB", "PB"}

// FormatBytes renders n using binary (1024-based) units. Whole bytes print
// without a decimal point; every larger unit prints with two decimals.
func FormatBytes(n int64) string {
	if n == 0 {
		return "0 B"
	}
	size := float64(n)
	unit := 0
	for size >= 1024 && unit < len(byteUnits)-1 {
		size /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", int64(size), byteUnits[unit])
	}
	return fmt.Sprintf("%.2f %s", size, byteUnits[unit])
}
