// Package hooks implements migration.Hooks: the node-local side effects
// the migration choreography drives around the Transport Adapter --
// reading an agent's static/dynamic manifests, staging and restoring its
// static files, running the platform's pre/post-migration scripts, and
// starting the agent process. It is the one piece spec.md §1 calls out
// as an external collaborator (the agent process launcher, the
// pre/post-migration scripts) made concrete enough to exercise end to
// end.
package hooks

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rmed/scout/transport"
)

// Node implements migration.Hooks against one node's platform home
// directory and the per-agent rules tree (spec.md §3:
// etc/scout/rules/<agent>/ holding static, dynamic, premig, postmig, and
// a backup/ staging tree).
type Node struct {
	Transport *transport.Adapter

	// HomeDir is the platform home directory on this node. Static and
	// dynamic manifest entries are paths relative to it.
	HomeDir string
	// RulesDir(agent) returns the etc/scout/rules/<agent> directory.
	RulesDir func(agent string) string
	// HomePlaceholder is substituted with the outpost's remote directory
	// inside premig/postmig command-file lines.
	HomePlaceholder string
}

func (n *Node) staticManifestPath(agent string) string {
	return filepath.Join(n.RulesDir(agent), "static")
}

func (n *Node) dynamicManifestPath(agent string) string {
	return filepath.Join(n.RulesDir(agent), "dynamic")
}

func (n *Node) backupDir(agent string) string {
	return filepath.Join(n.RulesDir(agent), "backup")
}

// StaticManifest returns agent's static-file manifest: one path per
// line, relative to platform home. A missing manifest is an empty list,
// not an error -- an agent with no static payload is legitimate.
func (n *Node) StaticManifest(agent string) ([]string, error) {
	return readManifest(n.staticManifestPath(agent))
}

func (n *Node) dynamicManifest(agent string) ([]string, error) {
	return readManifest(n.dynamicManifestPath(agent))
}

// readManifest parses a line-per-path manifest file, skipping blank
// lines and '#' comments.
func readManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// BuildBackup copies every path in agent's static manifest from this
// node's home into a fresh backup staging directory, preserving
// relative structure, and returns that directory (spec.md §4.7 step 4).
func (n *Node) BuildBackup(agent string) (string, error) {
	list, err := n.StaticManifest(agent)
	if err != nil {
		return "", err
	}

	dst := n.backupDir(agent)
	if err := os.RemoveAll(dst); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}
	for _, rel := range list {
		if err := copyFile(filepath.Join(n.HomeDir, rel), filepath.Join(dst, rel)); err != nil {
			return "", fmt.Errorf("hooks: build backup for %s: %w", agent, err)
		}
	}
	return dst, nil
}

// BackupPairs returns the (local, remote) path pairs for transporting a
// backup directory's contents onto conn's outpost directory, each file
// addressed individually rather than the directory as one object.
func (n *Node) BackupPairs(agent, backupDir string, conn transport.OutpostConn) ([]transport.Pair, error) {
	var pairs []transport.Pair
	err := filepath.WalkDir(backupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupDir, path)
		if err != nil {
			return err
		}
		pairs = append(pairs, transport.Pair{Src: path, Dst: filepath.Join(conn.Directory, rel)})
		return nil
	})
	return pairs, err
}

// RemoveStatic deletes agent's static manifest files from this node's
// home. A file already absent is not an error.
func (n *Node) RemoveStatic(agent string) error {
	list, err := n.StaticManifest(agent)
	if err != nil {
		return err
	}
	for _, rel := range list {
		if err := os.Remove(filepath.Join(n.HomeDir, rel)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RestoreStatic copies a backup directory's contents back into this
// node's home, preserving relative structure.
func (n *Node) RestoreStatic(agent, backupDir string) error {
	return filepath.WalkDir(backupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(backupDir, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(n.HomeDir, rel))
	})
}

// RunPreMigration runs agent's pre-migration hook on conn's node. conn
// with a zero Host means central: the hook runs locally.
func (n *Node) RunPreMigration(conn transport.OutpostConn, agent string) error {
	return n.run(conn, filepath.Join(n.RulesDir(agent), "premig"))
}

// RunPostMigration runs agent's post-migration hook on conn's node.
func (n *Node) RunPostMigration(conn transport.OutpostConn, agent string) error {
	return n.run(conn, filepath.Join(n.RulesDir(agent), "postmig"))
}

func (n *Node) run(conn transport.OutpostConn, cmdFile string) error {
	if conn.Host == "" {
		return n.Transport.ExecLocal(cmdFile)
	}
	return n.Transport.ExecRemote(conn, cmdFile, n.HomePlaceholder)
}

// UploadDynamic SCPs every file listed in agent's dynamic manifest from
// this node's home to conn's outpost directory. A listed file that
// doesn't exist locally yet is skipped.
func (n *Node) UploadDynamic(conn transport.OutpostConn, agent string) error {
	list, err := n.dynamicManifest(agent)
	if err != nil {
		return err
	}
	var pairs []transport.Pair
	for _, rel := range list {
		src := filepath.Join(n.HomeDir, rel)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		pairs = append(pairs, transport.Pair{Src: src, Dst: filepath.Join(conn.Directory, rel)})
	}
	if len(pairs) == 0 {
		return nil
	}
	return n.Transport.PutAll(conn, pairs)
}

// DownloadDynamic SCPs every file listed in agent's dynamic manifest
// from conn's outpost directory back into this node's home (spec.md
// §4.7 step 4, detach at an outpost source).
func (n *Node) DownloadDynamic(conn transport.OutpostConn, agent string) error {
	list, err := n.dynamicManifest(agent)
	if err != nil {
		return err
	}
	var pairs []transport.Pair
	for _, rel := range list {
		pairs = append(pairs, transport.Pair{
			Src: filepath.Join(conn.Directory, rel),
			Dst: filepath.Join(n.HomeDir, rel),
		})
	}
	if len(pairs) == 0 {
		return nil
	}
	return n.Transport.GetAll(conn, pairs)
}

// LaunchLocal starts agent's process on this host via the Transport
// Adapter's local launcher (container-backed or subprocess).
func (n *Node) LaunchLocal(agent string) error {
	return n.Transport.LaunchLocalAgent(agent)
}

// copyFile copies src to dst, creating dst's parent directories and
// preserving src's permission bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
