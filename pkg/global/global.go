// Package global holds process-wide values set at link time and shared
// flags every subcommand reads.
package global

// Version and BuildTime are overridden at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Verbose is set by the root command's persistent --verbose flag.
var Verbose bool
