package detect

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Device is the parsed form of a device selector string
type Device struct {
	// Name is the device class, currently only "cpu"
	Name string
	// Cores are the CPU core numbers to pin inference to, empty for no pinning
	Cores []int
}

// ParseDevice parses a device selector of the form "", "cpu", "cpu:0-3" or
// "cpu:4,5,6,7".  An empty selector is the same as "cpu"
func ParseDevice(sel string) (Device, error) {

	sel = strings.ToLower(strings.TrimSpace(sel))

	if sel == "" {
		return Device{Name: "cpu"}, nil
	}

	name, list, hasList := strings.Cut(sel, ":")

	if name != "cpu" {
		return Device{}, errors.Errorf("unsupported device %q, only cpu devices are available", sel)
	}

	dev := Device{Name: name}

	if !hasList {
		return dev, nil
	}

	for _, part := range strings.Split(list, ",") {

		part = strings.TrimSpace(part)

		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")

		first, err := strconv.Atoi(lo)

		if err != nil {
			return Device{}, errors.Errorf("invalid core %q in device %q", lo, sel)
		}

		last := first

		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first {
				return Device{}, errors.Errorf("invalid core range %q in device %q", part, sel)
			}
		}

		for c := first; c <= last; c++ {
			dev.Cores = append(dev.Cores, c)
		}
	}

	return dev, nil
}

// Pin sets the CPU affinity of the calling OS thread to the device cores.  It
// is a no-op when no cores were given
func (d Device) Pin() error {

	if len(d.Cores) == 0 {
		return nil
	}

	return SetCPUAffinity(d.Cores)
}

// SetCPUAffinity pins the calling OS thread to the specified cores.  Threads
// that already exist keep their affinity, threads created from it afterwards
// inherit the mask.  Callers lock their goroutine to the thread with
// runtime.LockOSThread first so the pinned thread is the one they run on
func SetCPUAffinity(cores []int) error {

	set := CPUCoreSet(cores)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrap(err, "failed to set CPU affinity")
	}

	return nil
}

// GetCPUAffinity returns the cores the calling OS thread is allowed to run on
func GetCPUAffinity() ([]int, error) {

	var set unix.CPUSet

	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "failed to get CPU affinity")
	}

	cores := make([]int, 0, set.Count())

	for c := 0; len(cores) < set.Count(); c++ {
		if set.IsSet(c) {
			cores = append(cores, c)
		}
	}

	return cores, nil
}

// CPUCoreSet builds the affinity set for the CPU core numbers given as a
// slice, eg: []int{4,5,6,7}
func CPUCoreSet(cores []int) unix.CPUSet {

	var set unix.CPUSet
	set.Zero()

	for _, core := range cores {
		set.Set(core)
	}

	return set
}
