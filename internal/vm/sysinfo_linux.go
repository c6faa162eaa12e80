//go:build linux

package vm

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// currentKernelVersion packs the running kernel's release (from uname) into
// the same LINUX_VERSION_CODE encoding a version section's sentinel
// substitutes for: (major<<16 | minor<<8 | patch).
func currentKernelVersion() (uint32, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return 0, &OsIntrospection{Detail: "uname", Err: err}
	}

	release := cString(uts.Release[:])
	major, minor, patch, err := parseKernelRelease(release)
	if err != nil {
		return 0, &OsIntrospection{Detail: "uname", Err: err}
	}
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch), nil
}

// parseKernelRelease reads the leading "X.Y.Z" of a uname release string,
// ignoring any distro suffix (e.g. "6.8.0-49-generic").
func parseKernelRelease(release string) (major, minor, patch int, err error) {
	core, _, _ := strings.Cut(release, "-")
	parts := strings.SplitN(core, ".", 3)
	if len(parts) < 2 {
		return 0, 0, 0, fmt.Errorf("unrecognized kernel release %q", release)
	}
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, 0, fmt.Errorf("unrecognized kernel release %q", release)
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, 0, fmt.Errorf("unrecognized kernel release %q", release)
	}
	if len(parts) == 3 {
		// Trim any further suffix glued onto the patch component.
		p := parts[2]
		for i, c := range p {
			if c < '0' || c > '9' {
				p = p[:i]
				break
			}
		}
		if p != "" {
			if patch, err = strconv.Atoi(p); err != nil {
				patch = 0
			}
		}
	}
	return major, minor, patch, nil
}

// OnlineCPUs returns the logical cpu indices the kernel currently considers
// online, parsed from /sys/devices/system/cpu/online's comma-separated list
// of single indices and "a-b" ranges. The PerfMap Reader opens exactly one
// Ring per entry, per spec.md §5.
func OnlineCPUs() ([]int, error) {
	f, err := os.Open("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, &OsIntrospection{Detail: "read online cpu list", Err: err}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 4096)
	var line string
	if sc.Scan() {
		line = strings.TrimSpace(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, &OsIntrospection{Detail: "read online cpu list", Err: err}
	}
	return parseCPUList(line)
}

func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, &OsIntrospection{Detail: "read online cpu list", Err: fmt.Errorf("empty cpu list")}
	}
	var cpus []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(field, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, &OsIntrospection{Detail: "read online cpu list", Err: fmt.Errorf("bad cpu entry %q", field)}
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(hi)
			if err != nil {
				return nil, &OsIntrospection{Detail: "read online cpu list", Err: fmt.Errorf("bad cpu range %q", field)}
			}
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}
