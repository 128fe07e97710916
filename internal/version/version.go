package version

// Version is the agent version stamped into log lines and self-metric rows.
// Overridden at build time via -ldflags "-X .../internal/version.Version=...".
var Version = "1.2.0"
