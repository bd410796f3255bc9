// Package errors provides the classified error primitives used across licensetool.
//
// Key features:
//   - ErrorCategory: broad classification (config, external_tool, artifact, timeout, ...)
//   - ErrorSeverity: impact level (fatal, error, warning, info)
//   - RetryStrategy: advice for callers; the orchestration core never retries by itself
//   - ClassifiedError: structured error with category, severity and context
//   - ErrorBuilder: fluent API for creating classified errors
//   - HTTP and CLI adapters for error presentation
//
// Example usage:
//
//	err := errors.ExternalToolError("maven exited with a non-zero status").
//		WithContext(errors.ContextExitCode, 1).
//		WithContext(errors.ContextOutput, output).
//		Build()
package errors
