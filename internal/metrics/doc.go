// Package metrics provides the observability hooks of licensetool.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so nothing needs a nil check:
//
//	type Runner struct {
//	    recorder metrics.Recorder
//	}
//
//	runner := procexec.NewRunner(procexec.WithRecorder(metrics.NoopRecorder{}))
//
// The daemon swaps in a PrometheusRecorder bound to its own registry and
// serves it through HTTPHandler on the configured metrics address.
package metrics
