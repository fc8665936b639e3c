package version

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/ddnet/internal/version.VERSION=0.1.0 -X github.com/chronologos/ddnet/internal/version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String is the one-line version banner.
func String() string {
	return "ddnet " + VERSION + " (" + Commit + ")"
}
