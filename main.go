//go:build linux

package main

import (
	"log/slog"
	"os"

	"github.com/webitel/tcpbus/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		slog.Error("tcpbus: fatal", "err", err)
		os.Exit(1)
	}
}
