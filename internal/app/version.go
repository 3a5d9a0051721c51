package app

// Version and BuildCommit are overridden at link time with -ldflags "-X".
var (
	Version     = "dev"
	BuildCommit = "unknown"
)

// Name is the binary name used in banners and user agents.
const Name = "ff3"
