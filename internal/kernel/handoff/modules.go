package handoff

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"
)

// CheckModuleCompat validates every loaded module's Requires constraint
// against the kernel version. Modules without a constraint always pass.
// The returned slice lists the modules that are compatible; err is non-nil
// when a constraint is malformed or unsatisfied.
func CheckModuleCompat(modules []Module, kernelVersion string) ([]Module, error) {
	if len(modules) == 0 {
		return nil, nil
	}
	version, err := semver.NewVersion(kernelVersion)
	if err != nil {
		return nil, fmt.Errorf("kernel version %q is not semver: %w", kernelVersion, err)
	}
	compatible := make([]Module, 0, len(modules))
	for _, m := range modules {
		if m.Requires == "" {
			compatible = append(compatible, m)
			continue
		}
		constraint, err := semver.NewConstraint(m.Requires)
		if err != nil {
			return compatible, fmt.Errorf("module %s: bad version constraint %q: %w", m.Name, m.Requires, err)
		}
		if !constraint.Check(version) {
			return compatible, fmt.Errorf("module %s requires kernel %q, have %s", m.Name, m.Requires, version)
		}
		compatible = append(compatible, m)
	}
	return compatible, nil
}
