package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-hermit/uhyve/internal/config"
	"github.com/go-hermit/uhyve/internal/monitor"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <guest-elf>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Environment:\n")
		fmt.Fprintf(os.Stderr, "  HERMIT_MEM         guest memory size, e.g. 512M (default 512M)\n")
		fmt.Fprintf(os.Stderr, "  HERMIT_CPUS        number of vCPUs (default 1)\n")
		fmt.Fprintf(os.Stderr, "  HERMIT_NETIF       TAP/tun interface name\n")
		fmt.Fprintf(os.Stderr, "  HERMIT_VERBOSE     dump the guest kernel log at exit if set and not \"0\"\n")
		fmt.Fprintf(os.Stderr, "  HERMIT_LOG_LEVEL   debug|info|warn|error (default info)\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return monitor.ExitHostFault
	}

	cfg, err := config.New(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return monitor.ExitHostFault
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	vm, err := monitor.Launch(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return exitCodeOf(err)
	}
	defer vm.Close()

	status, err := vm.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uhyve: %v\n", err)
		return exitCodeOf(err)
	}
	return status
}

func exitCodeOf(err error) int {
	var fe *monitor.FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return monitor.ExitHostFault
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
