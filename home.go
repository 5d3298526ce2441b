package scout

import (
	"os"
	"path/filepath"
)

// Home returns the scout home directory, the root under which etc/ and
// var/ live. It defaults to /opt/scout but can be overridden with the
// SCOUT_HOME environment variable.
func Home() string {
	if v := os.Getenv("SCOUT_HOME"); v != "" {
		return v
	}
	return "/opt/scout"
}

// EtcDir returns the directory holding the two sqlite books, the two ini
// configs, and the per-agent rules directories.
func EtcDir() string {
	return filepath.Join(Home(), "etc", "scout")
}

// VarDir returns the directory holding PID tokens for live agents.
func VarDir() string {
	return filepath.Join(Home(), "var")
}

// RulesDir returns the per-agent rules directory for agent.
func RulesDir(agent string) string {
	return filepath.Join(EtcDir(), "rules", agent)
}

// PIDFile returns the well-known PID-file path for a live agent keyed by
// name.
func PIDFile(name string) string {
	return filepath.Join(VarDir(), name+".pid")
}

// ZoneBookPath returns the default Zone Book sqlite path.
func ZoneBookPath() string {
	return filepath.Join(EtcDir(), "zonebook.sqlite")
}

// AgentBookPath returns the default Agent Book sqlite path.
func AgentBookPath() string {
	return filepath.Join(EtcDir(), "agentbook.sqlite")
}

// ScoutConfPath returns the default scout config ini path.
func ScoutConfPath() string {
	return filepath.Join(EtcDir(), "scout.conf")
}

// OutpostListPath returns the default outpost list ini path.
func OutpostListPath() string {
	return filepath.Join(EtcDir(), "outpost.list")
}

// EnsureHome creates the etc and var directories if they don't exist.
func EnsureHome() error {
	if err := os.MkdirAll(EtcDir(), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(VarDir(), 0o755)
}
