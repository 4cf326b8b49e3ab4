package version

// CurrentCommit is set at build time with -ldflags "-X github.com/adzialocha/graph-node/version.CurrentCommit=..."
var CurrentCommit string

// BuildVersion is the local build version.
const BuildVersion = "v0.3.0"

func String() string {
	if CurrentCommit == "" {
		return BuildVersion
	}
	return BuildVersion + "+git." + CurrentCommit
}
