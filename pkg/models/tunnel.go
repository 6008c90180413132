// pkg/models/tunnel.go
package models

import "time"

// StartRequest optionally overrides the configured SOCKS5 upstream
type StartRequest struct {
	SOCKS5Address string `json:"socks5Address,omitempty"`
	SOCKS5Port    int    `json:"socks5Port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
}

// IsEmpty reports whether the request overrides nothing
func (r StartRequest) IsEmpty() bool {
	return r == StartRequest{}
}

// ExitInfo describes how the last engine run ended
type ExitInfo struct {
	Status    int       `json:"status"`
	Requested bool      `json:"requested"`
	StartedAt time.Time `json:"startedAt"`
	ExitedAt  time.Time `json:"exitedAt"`
}

// TunnelStatus is returned by the status endpoint
type TunnelStatus struct {
	State         string    `json:"state"`
	Running       bool      `json:"running"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Interface     string    `json:"interface,omitempty"`
	SOCKS5        string    `json:"socks5,omitempty"`
	LastExit      *ExitInfo `json:"lastExit,omitempty"`
}

// TrafficStats is one counter reading of the tunnel
type TrafficStats struct {
	TxBytes   uint64    `json:"txBytes"`
	RxBytes   uint64    `json:"rxBytes"`
	TxPackets uint64    `json:"txPackets"`
	RxPackets uint64    `json:"rxPackets"`
	Tx        string    `json:"tx"`
	Rx        string    `json:"rx"`
	Running   bool      `json:"running"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsReport is posted to the monitor endpoint
type StatsReport struct {
	NodeID        string       `json:"nodeId"`
	Online        bool         `json:"online"`
	State         string       `json:"state"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Stats         TrafficStats `json:"stats"`
}
