// Package transport is the Transport Adapter: SSH command execution, SCP
// file transfer, tunnel open/close, and local agent process launch. It
// knows nothing about agents or the migration protocol -- it only moves
// bytes and runs commands.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/rmed/scout"
)

// connectTimeout bounds every SSH dial, matching the source's 10-second
// paramiko connect timeout (spec.md §5).
const connectTimeout = 10 * time.Second

// OutpostConn is the subset of an outpost's config the Transport Adapter
// needs to reach it over SSH.
type OutpostConn struct {
	Host         string
	Username     string
	Directory    string
	RemotePort   int
	LocalTunnel  int
	RemoteTunnel int
}

// Adapter is the Transport Adapter. varDir is where PID tokens for live
// agents are written (spec.md §6); open tunnels are not recorded there.
type Adapter struct {
	varDir    string
	launcher  string
	hostKeyCB ssh.HostKeyCallback
	authMeth  ssh.AuthMethod
	localPort int
	Container *ContainerLauncher
}

// New constructs an Adapter. launcher is the path to the platform's agent
// launch/stop script. localPort is the bus port the outpost's reverse
// tunnel leg connects back to. knownHostsPath may be empty, in which case
// host keys are accepted without verification (matching the source's
// AutoAddPolicy -- acceptable given this system's stated non-goal of
// authenticated transport beyond what SSH provides). Key material is
// taken from a running ssh-agent over SSH_AUTH_SOCK, same as an operator
// running the original shell-based scp/ssh commands would use.
func New(varDir, launcher string, localPort int, knownHostsPath string) (*Adapter, error) {
	cb := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		var err error
		cb, err = knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("transport: load known_hosts: %w", err)
		}
	}

	auth, err := agentAuthMethod()
	if err != nil {
		return nil, fmt.Errorf("transport: ssh-agent unavailable: %w", err)
	}

	return &Adapter{varDir: varDir, launcher: launcher, hostKeyCB: cb, authMeth: auth, localPort: localPort}, nil
}

// agentAuthMethod connects to the ssh-agent listening on SSH_AUTH_SOCK
// and exposes its keys as an ssh.AuthMethod.
func agentAuthMethod() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	ag := agent.NewClient(conn)
	return ssh.PublicKeysCallback(ag.Signers), nil
}

func (a *Adapter) dial(conn OutpostConn) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            []ssh.AuthMethod{a.authMeth},
		HostKeyCallback: a.hostKeyCB,
		Timeout:         connectTimeout,
	}
	addr := net.JoinHostPort(conn.Host, "22")
	return ssh.Dial("tcp", addr, cfg)
}

// execRemote runs cmd on the outpost over a fresh session and waits for
// its exit status, mirroring launch_outpost/stop_outpost in the source.
func (a *Adapter) execRemote(conn OutpostConn, cmd string) error {
	client, err := a.dial(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHConnect, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHExec, err)
	}
	defer session.Close()

	if err := session.Run(cmd); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHExec, err)
	}
	return nil
}

// LaunchOutpost runs `cd <directory>; ./outpost.sh restart` on the
// outpost and waits for it to exit.
func (a *Adapter) LaunchOutpost(conn OutpostConn, name string) bool {
	cmd := fmt.Sprintf("cd %s; ./outpost.sh restart", conn.Directory)
	if err := a.execRemote(conn, cmd); err != nil {
		return false
	}
	return true
}

// StopOutpost runs `cd <directory>; ./outpost.sh stop` on the outpost.
func (a *Adapter) StopOutpost(conn OutpostConn, name string) bool {
	cmd := fmt.Sprintf("cd %s; ./outpost.sh stop", conn.Directory)
	if err := a.execRemote(conn, cmd); err != nil {
		return false
	}
	return true
}

// ExecRemote reads cmdFile one command per line and executes each
// remotely, substituting homePlaceholder with the outpost's directory.
func (a *Adapter) ExecRemote(conn OutpostConn, cmdFile, homePlaceholder string) error {
	lines, err := readLines(cmdFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	client, err := a.dial(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHConnect, err)
	}
	defer client.Close()

	for _, cmd := range lines {
		cmd = replaceHome(cmd, homePlaceholder, conn.Directory)
		session, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("%w: %v", scout.ErrSSHExec, err)
		}
		full := fmt.Sprintf("cd %s; %s", conn.Directory, cmd)
		err = session.Run(full)
		session.Close()
		if err != nil {
			return fmt.Errorf("%w: %v", scout.ErrSSHExec, err)
		}
	}
	return nil
}

// ExecLocal reads cmdFile one command per line and runs each in a shell
// locally, waiting for each to exit before running the next.
func (a *Adapter) ExecLocal(cmdFile string) error {
	lines, err := readLines(cmdFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, cmd := range lines {
		c := exec.Command("sh", "-c", cmd)
		if err := c.Run(); err != nil {
			return err
		}
	}
	return nil
}

func replaceHome(cmd, placeholder, dir string) string {
	if placeholder == "" {
		return cmd
	}
	return replaceAll(cmd, placeholder, dir)
}

func replaceAll(s, old, new string) string {
	var buf bytes.Buffer
	for {
		i := indexOf(s, old)
		if i < 0 {
			buf.WriteString(s)
			break
		}
		buf.WriteString(s[:i])
		buf.WriteString(new)
		s = s[i+len(old):]
	}
	return buf.String()
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := string(data[start:i])
			if len(line) > 0 {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	return lines, nil
}

// pidFilePath returns the well-known PID-token path keyed by name.
func (a *Adapter) pidFilePath(name string) string {
	return filepath.Join(a.varDir, name+".pid")
}

// LaunchLocalAgent starts name's process on this host. When a is
// configured with an available ContainerLauncher, name runs inside its
// own container; otherwise it runs as a bare subprocess via the
// platform launcher, which is responsible for writing the PID file.
func (a *Adapter) LaunchLocalAgent(name string) error {
	if a.Container != nil && a.Container.IsAvailable() {
		return a.Container.LaunchAgent(context.Background(), name, scout.Home(), nil)
	}
	c := exec.Command(a.launcher, "launch-agent", name)
	return c.Run()
}

// StopLocalAgent stops name's process, whichever form LaunchLocalAgent
// used to start it.
func (a *Adapter) StopLocalAgent(name string) error {
	if a.Container != nil && a.Container.IsAvailable() {
		return a.Container.StopAgent(context.Background(), name)
	}
	c := exec.Command(a.launcher, "stop-agent", name)
	return c.Run()
}

// IsAgentLive reports whether name's PID file exists and its PID is
// still running.
func (a *Adapter) IsAgentLive(name string) bool {
	data, err := os.ReadFile(a.pidFilePath(name))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(trimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\t' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
