package version

// Version is overridden at build time with
// -ldflags "-X github.com/hgmo/hgdeploy/internal/version.Version=...".
var Version = "dev"

func GetVersion() string {
	return Version
}
