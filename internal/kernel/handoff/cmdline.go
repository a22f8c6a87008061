package handoff

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/multios-project/multios/internal/kernel/arch"
)

// Scheduler policy spellings accepted on the command line.
const (
	PolicyRoundRobin         = "rr"
	PolicyPriority           = "prio"
	PolicyFCFS               = "fcfs"
	PolicyShortestJobFirst   = "sjf"
	PolicyMultilevelFeedback = "mlfq"
)

// Default and bounds for the scheduler quantum.
const (
	DefaultQuantumMs = 10
	MinQuantumMs     = 1
	MaxQuantumMs     = 1000
)

// BootParams is the parsed boot command line.
type BootParams struct {
	Debug     bool
	Recovery  bool
	QuantumMs uint32
	Policy    string
	Arch      arch.Arch
}

// DefaultBootParams returns the parameters used when the command line is
// absent or silent on a key.
func DefaultBootParams() BootParams {
	return BootParams{
		QuantumMs: DefaultQuantumMs,
		Policy:    PolicyRoundRobin,
		Arch:      arch.ArchAuto,
	}
}

// ParseCommandLine parses the boot command line into key=value pairs.
// Unrecognized keys are ignored so a newer bootloader can pass extra
// parameters to an older kernel; malformed values for recognized keys are
// errors.
func ParseCommandLine(cmdline string) (BootParams, error) {
	params := DefaultBootParams()
	for _, field := range strings.Fields(cmdline) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "debug":
			on, err := parseOnOff(value)
			if err != nil {
				return params, fmt.Errorf("debug: %w", err)
			}
			params.Debug = on
		case "recovery":
			on, err := parseOnOff(value)
			if err != nil {
				return params, fmt.Errorf("recovery: %w", err)
			}
			params.Recovery = on
		case "quantum_ms":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return params, fmt.Errorf("quantum_ms: %w", err)
			}
			if n < MinQuantumMs || n > MaxQuantumMs {
				return params, fmt.Errorf("quantum_ms: %d outside [%d, %d]", n, MinQuantumMs, MaxQuantumMs)
			}
			params.QuantumMs = uint32(n)
		case "policy":
			switch value {
			case PolicyRoundRobin, PolicyPriority, PolicyFCFS, PolicyShortestJobFirst, PolicyMultilevelFeedback:
				params.Policy = value
			default:
				return params, fmt.Errorf("policy: unknown value %q", value)
			}
		case "arch":
			a, err := arch.ParseArch(value)
			if err != nil {
				return params, fmt.Errorf("arch: %w", err)
			}
			params.Arch = a
		}
	}
	return params, nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}
