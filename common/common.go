// Package common holds process-wide helpers shared by the relay binaries.
package common

// PackageName is used as the metrics namespace and the default log service tag.
const PackageName = "mpc-relay"

// Version is set at build time with -ldflags "-X github.com/ruteri/mpc-relay/common.Version=...".
var Version = "dev"
