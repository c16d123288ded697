package handlers

import (
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
)

// AppName is reported by the version endpoint.
const AppName = "hoist"

// Build holds the values stamped into the binary at link time.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"git_commit"`
	Date    string `json:"build_date"`
}

var build = Build{Version: "dev", Commit: "unknown", Date: "unknown"}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	build = Build{Version: version, Commit: commit, Date: buildDate}
}

// AppVersion returns the stamped version.
func AppVersion() string { return build.Version }

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Name     string `json:"name"`
	Build    Build  `json:"build"`
	Go       string `json:"go_version"`
	Platform string `json:"platform"`
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()
	writeJSON(w, http.StatusOK, VersionResponse{
		Name:     AppName,
		Build:    build,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Gofulmen: deps.Gofulmen,
		Crucible: deps.Crucible,
	})
}
