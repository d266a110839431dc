// Package environment names the deployment tiers that gate which schedule,
// if any, applies to a task.
package environment

import (
	"fmt"
	"strings"
)

// Name is a deployment tier. It is resolved once per process and never
// re-read.
type Name string

const (
	Production  Name = "production"
	Staging     Name = "staging"
	QA          Name = "qa"
	Development Name = "development"
	// Test is a pseudo-environment: schedule tables use it to carry the
	// expected fire interval of a task, never a real expression.
	Test Name = "test"
)

// Default is used when neither flag, env var nor config names a tier.
const Default = Development

var all = []Name{Production, Staging, QA, Development, Test}

// All returns the known tiers in a stable order.
func All() []Name { return append([]Name(nil), all...) }

// Parse validates s (case-insensitive, common aliases accepted).
func Parse(s string) (Name, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "prod":
		return Production, nil
	case "stage":
		return Staging, nil
	case "dev":
		return Development, nil
	}
	for _, n := range all {
		if string(n) == v {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown environment %q (want one of production, staging, qa, development, test)", s)
}

func (n Name) String() string { return string(n) }

// Valid reports whether n is one of the known tiers.
func (n Name) Valid() bool {
	for _, k := range all {
		if k == n {
			return true
		}
	}
	return false
}
