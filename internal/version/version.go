// Package version holds build identification set through -ldflags.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/GriffinCanCode/attachproc/internal/version.Version=v1.2.3".
var Version = "dev"
