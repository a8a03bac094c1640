//go:build windows
// +build windows

package main

func getDefaultConfigDir() (string, error) {
	return ".", nil
}
