//go:build !linux

package main

import "fmt"

func runProbe(args []string) error {
	return fmt.Errorf("probe is only supported on linux")
}
