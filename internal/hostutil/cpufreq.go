// Package hostutil collects small host-facing helpers that have no natural
// home in a more specific package: a CPU frequency probe, a Linux
// size-suffix parser, and a retrying positional read primitive.
package hostutil

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const cpuinfoMaxFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"

// CPUFrequencyMHz reports the host's CPU frequency in MHz, for the guest's
// boot-info header. It first tries the cpufreq sysfs node (reported in kHz)
// and falls back to scanning /proc/cpuinfo for a "cpu MHz" line. If neither
// source is available it returns 0, matching get_cpufreq's behaviour of
// silently reporting an unknown frequency rather than failing the boot.
func CPUFrequencyMHz() uint32 {
	if freq, ok := cpufreqFromSysfs(); ok {
		return freq
	}
	if freq, ok := cpufreqFromProcCPUInfo(); ok {
		return freq
	}
	return 0
}

func cpufreqFromSysfs() (uint32, bool) {
	f, err := os.Open(cpuinfoMaxFreqPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}

	khz, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, false
	}

	return uint32(khz / 1000), true
}

func cpufreqFromProcCPUInfo() (uint32, bool) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "cpu MHz")
		if idx < 0 {
			continue
		}

		rest := line[idx:]
		start := strings.IndexAny(rest, "0123456789")
		if start < 0 {
			continue
		}
		rest = rest[start:]

		end := len(rest)
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			end = dot
		}

		mhz, err := strconv.Atoi(rest[:end])
		if err != nil {
			continue
		}

		return uint32(mhz), true
	}

	return 0, false
}
