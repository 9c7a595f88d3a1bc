package version

// Version is set at build time with -ldflags "-X lambda-live-bridge/internal/version.Version=...".
var Version = "dev"
