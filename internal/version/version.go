package version

import (
	"runtime"
	"time"
)

// Set at build time with -ldflags "-X github.com/MrSnakeDoc/minienv/internal/version.Version=...".
var (
	Version   = "dev"                           // ex: v0.3.0
	Commit    = "none"                          // ex: abcd123
	BuildDate = time.Now().Format(time.RFC3339) // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version()               // go version

	// MinienvVersion is the image tag substituted for $minienvVersion in stack templates
	// when MINIENV_VERSION is not set.
	MinienvVersion = "latest"
)
