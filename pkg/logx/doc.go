// Package logx wraps zerolog behind a small Field/Logger API with runtime
// reconfigurable sinks (console, file, rate-limited chat mirror).
package logx
