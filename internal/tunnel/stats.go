// internal/tunnel/stats.go
package tunnel

import (
	"fmt"
	"strconv"
)

// Stats is a single reading of the engine traffic counters. Each reading is
// independent; nothing relates two readings.
type Stats struct {
	TxBytes   uint64 `json:"tx_bytes"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	RxPackets uint64 `json:"rx_packets"`
}

// IsZero reports whether every counter is zero
func (s Stats) IsZero() bool {
	return s == Stats{}
}

func (s Stats) String() string {
	return fmt.Sprintf("tx=%s (%d packets), rx=%s (%d packets)",
		FormatBytes(s.TxBytes), s.TxPackets,
		FormatBytes(s.RxBytes), s.RxPackets)
}

const byteUnits = "KMGTPE"

// FormatBytes renders n with base-1024 units and two decimals, e.g.
// 2048 -> "2.00 KiB". Values below 1024 stay in bytes: 500 -> "500 B".
func FormatBytes(n uint64) string {
	if n < 1024 {
		return strconv.FormatUint(n, 10) + " B"
	}
	exp := 0
	div := uint64(1024)
	for n/div >= 1024 && exp < len(byteUnits)-1 {
		div *= 1024
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), byteUnits[exp])
}
