//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "ethcomm: raw Ethernet access is only implemented on linux")
	os.Exit(1)
}
