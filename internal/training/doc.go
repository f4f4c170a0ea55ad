// Package training holds the value types shared by the job manager, the
// eligibility decider, the trainer and the task store: training tasks, their
// interval and constraint specs, per-task contribution history and the
// run-scoped computation result.
package training
