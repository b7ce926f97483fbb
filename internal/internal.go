// Package internal carries build metadata shared by the commands.
package internal

// Version is the build version. It is overridden at build time with
// -ldflags "-X github.com/hopchain/txdispatch/internal.Version=...".
var Version = "dev"
