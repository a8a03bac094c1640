//go:build !windows
// +build !windows

package main

var (
	DefaultConfigDir = "/etc/telemetry-hub"
)

func getDefaultConfigDir() (string, error) {
	return DefaultConfigDir, nil
}
