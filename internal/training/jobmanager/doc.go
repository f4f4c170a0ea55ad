// Package jobmanager reconciles start-training requests and run lifecycle
// callbacks against stored task state, and asks the wake-up scheduler for the
// next run.
//
// It is the only writer of training tasks. Operations on one job id are
// serialized; different job ids proceed independently.
package jobmanager
