package pyruntime

import (
	"path/filepath"
	"strings"
)

// DataDirEnvVar points at the application data root. The venv and all
// runtime state live underneath it.
const DataDirEnvVar = "APP_DATA_DIR"

// Paths locates the managed runtime on disk.
type Paths struct {
	DataRoot    string `json:"dataRoot"`
	RuntimeRoot string `json:"runtimeRoot"`
	VenvPath    string `json:"venvPath"`
	PythonPath  string `json:"pythonPath"`
}

// platformProfile keeps path construction branch-free: the per-OS layout of
// a virtualenv is fully described by the interpreter subdirectory and the
// executable suffix.
type platformProfile struct {
	binDir    string
	exeSuffix string
}

var platformProfiles = map[string]platformProfile{
	"windows": {binDir: "Scripts", exeSuffix: ".exe"},
	"win32":   {binDir: "Scripts", exeSuffix: ".exe"},
}

var defaultProfile = platformProfile{binDir: "bin", exeSuffix: ""}

// ResolvePaths derives the runtime layout from the environment and platform.
// It is pure (no filesystem access) and never fails: a missing APP_DATA_DIR
// falls back to ~/.skillhost, or ./data when no home is known.
func ResolvePaths(getenv func(string) string, platform string) Paths {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	dataRoot := strings.TrimSpace(getenv(DataDirEnvVar))
	if dataRoot == "" {
		if home := strings.TrimSpace(getenv("HOME")); home != "" {
			dataRoot = filepath.Join(home, ".skillhost")
		} else {
			dataRoot = "data"
		}
	}

	profile, ok := platformProfiles[strings.TrimSpace(strings.ToLower(platform))]
	if !ok {
		profile = defaultProfile
	}

	runtimeRoot := filepath.Join(dataRoot, "python-runtime")
	venvPath := filepath.Join(runtimeRoot, "venv")
	return Paths{
		DataRoot:    dataRoot,
		RuntimeRoot: runtimeRoot,
		VenvPath:    venvPath,
		PythonPath:  filepath.Join(venvPath, profile.binDir, "python"+profile.exeSuffix),
	}
}
