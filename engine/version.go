package engine

// Version is the release identifier, stamped at build time via
// -ldflags "-X github.com/printernizer/printernizer/engine.Version=...".
var Version = "dev"
