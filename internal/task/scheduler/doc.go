// Package scheduler wires the registry, the schedule parser, the driver and
// the task engine together.
//
// InitializeAll resolves every registered task against the current
// environment, compiles its expression and starts one driver loop per active
// task. A task whose expression does not compile is disabled on its own; the
// others start normally. Execution is delegated to engine.Service.
package scheduler
