package selfupdate

import (
	"fmt"
	"runtime"
)

// DefaultAssetName returns the release asset name for the current
// system, used when no asset name is configured.
// Examples: "uparun-linux-x64.tar.gz", "uparun-windows-x64.zip".
func DefaultAssetName() string {
	os := mapOS(runtime.GOOS)
	return fmt.Sprintf("uparun-%s-%s.%s", os, mapArch(runtime.GOARCH), fileExt(os))
}

// mapOS converts Go's GOOS to release asset OS naming.
func mapOS(goos string) string {
	switch goos {
	case "windows":
		return "windows"
	case "darwin":
		return "mac"
	default:
		return "linux"
	}
}

// mapArch converts Go's GOARCH to release asset architecture naming.
func mapArch(goarch string) string {
	switch goarch {
	case "arm64":
		return "aarch64"
	default:
		return "x64"
	}
}

func fileExt(os string) string {
	if os == "windows" {
		return "zip"
	}
	return "tar.gz"
}
