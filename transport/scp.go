package transport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rmed/scout"
)

// Pair is one manifest entry: a local path and the corresponding remote
// path it is transferred to or from.
type Pair struct {
	Src string
	Dst string
}

// PutAll copies every pair's local file to its remote destination,
// creating missing remote parent directories first. This is how a
// backup directory's contents cross to an outpost: each file is sent
// individually rather than the directory itself (spec.md §2 "scp-put
// (pairs, ...): recursive copy of (src, dst) pairs; put recurses into
// directory contents rather than copying the directory itself").
func (a *Adapter) PutAll(conn OutpostConn, pairs []Pair) error {
	for _, p := range pairs {
		if err := a.mkdirRemote(conn, filepath.Dir(p.Dst)); err != nil {
			return err
		}
		if err := a.Put(conn, p.Src, p.Dst); err != nil {
			return err
		}
	}
	return nil
}

// GetAll copies every pair's remote file to its local destination,
// creating missing local parent directories first.
func (a *Adapter) GetAll(conn OutpostConn, pairs []Pair) error {
	for _, p := range pairs {
		if err := os.MkdirAll(filepath.Dir(p.Dst), 0o755); err != nil {
			return err
		}
		if err := a.Get(conn, p.Src, p.Dst); err != nil {
			return err
		}
	}
	return nil
}

// mkdirRemote creates dir on the outpost if it does not already exist,
// so PutAll can lay a manifest's relative structure onto a remote
// directory that starts out empty.
func (a *Adapter) mkdirRemote(conn OutpostConn, dir string) error {
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

	return session.Run(fmt.Sprintf("mkdir -p %s", dir))
}

// Put copies the local file at localPath to remotePath on the outpost,
// speaking the scp sink protocol directly over an SSH session (scp -t).
// No off-the-shelf SCP client exists among this system's dependencies,
// so the protocol is implemented the way the source's paramiko.SCPClient
// wrapper would have: open a session, run `scp -t <dir>`, and exchange
// the three-line header/ack handshake.
func (a *Adapter) Put(conn OutpostConn, localPath, remotePath string) error {
	client, err := a.dial(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHConnect, err)
	}
	defer client.Close()

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	dir := filepath.Dir(remotePath)
	if err := session.Start(fmt.Sprintf("scp -t %s", dir)); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	r := bufio.NewReader(stdout)
	if err := scpAck(r); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	mode := info.Mode().Perm()
	header := fmt.Sprintf("C%04o %d %s\n", mode, info.Size(), filepath.Base(remotePath))
	if _, err := io.WriteString(stdin, header); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	if err := scpAck(r); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	if _, err := io.Copy(stdin, f); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	if err := scpAck(r); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	stdin.Close()

	return session.Wait()
}

// Get copies remotePath from the outpost to localPath, speaking the scp
// source protocol (scp -f).
func (a *Adapter) Get(conn OutpostConn, remotePath, localPath string) error {
	client, err := a.dial(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHConnect, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	if err := session.Start(fmt.Sprintf("scp -f %s", remotePath)); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	r := bufio.NewReader(stdout)
	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	size, err := parseCHeader(line)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.CopyN(out, r, size); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(r, ack); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}

	if _, err := stdin.Write([]byte{0}); err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSCPFailed, err)
	}
	stdin.Close()

	return session.Wait()
}

// scpAck reads a single scp protocol status byte and turns a non-zero
// byte into an error carrying any attached message text.
func scpAck(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp: %s", strings.TrimSpace(msg))
}

// parseCHeader parses an scp "Cmmmm size name" control line and returns
// the declared file size.
func parseCHeader(line string) (int64, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "C") {
		return 0, fmt.Errorf("scp: malformed header %q", line)
	}
	return strconv.ParseInt(fields[1], 10, 64)
}
