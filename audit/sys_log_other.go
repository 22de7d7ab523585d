//go:build windows || plan9

package audit

import "fmt"

type SyslogOptions struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	Priority int    `json:"priority"`
	Tag      string `json:"tag"`
}

// NewSyslogLogger always fails on platforms without log/syslog
func NewSyslogLogger(*Config) (Logger, error) {
	return nil, fmt.Errorf("syslog audit logger is not supported on this platform")
}
