package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/rmed/scout"
)

// tunnel tracks one open forwarded-port pair so CloseTunnel can tear it
// down cleanly. The original system shelled out to autossh and tracked
// its PID on disk; golang.org/x/crypto/ssh lets the Adapter hold the
// forwarding goroutines directly instead.
type tunnel struct {
	client   *ssh.Client
	listener net.Listener
	stop     chan struct{}
}

// Tunnels manages the set of open SSH tunnels, keyed by outpost name.
type Tunnels struct {
	mu      sync.Mutex
	tunnels map[string]*tunnel
}

// NewTunnels constructs an empty tunnel registry.
func NewTunnels() *Tunnels {
	return &Tunnels{tunnels: make(map[string]*tunnel)}
}

// OpenTunnel listens on 127.0.0.1:conn.RemoteTunnel on the outpost and
// pipes each connection to a.localPort on this host (the reverse leg the
// bus listens on), replacing the source's `autossh -R` invocation. No
// forward leg from this host to the outpost is opened, conn.LocalTunnel
// is not used, and no PID file is written: the tunnel is recorded only in
// t. The forward stays open until CloseTunnel is called or the underlying
// SSH connection drops.
func (a *Adapter) OpenTunnel(t *Tunnels, conn OutpostConn, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tunnels[name]; exists {
		return nil
	}

	client, err := a.dial(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", scout.ErrSSHConnect, err)
	}

	remoteAddr := fmt.Sprintf("127.0.0.1:%d", conn.RemoteTunnel)
	listener, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: remote listen %s: %v", scout.ErrTunnelRefuse, remoteAddr, err)
	}

	tn := &tunnel{client: client, listener: listener, stop: make(chan struct{})}
	t.tunnels[name] = tn

	localAddr := fmt.Sprintf("127.0.0.1:%d", a.localPort)
	go tn.forward(localAddr)
	return nil
}

// forward accepts connections arriving on the remote listener and pipes
// each one to localAddr on this host.
func (tn *tunnel) forward(localAddr string) {
	for {
		remoteConn, err := tn.listener.Accept()
		if err != nil {
			select {
			case <-tn.stop:
				return
			default:
				return
			}
		}
		go tn.pipe(remoteConn, localAddr)
	}
}

func (tn *tunnel) pipe(remoteConn net.Conn, localAddr string) {
	defer remoteConn.Close()
	localConn, err := net.Dial("tcp", localAddr)
	if err != nil {
		return
	}
	defer localConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(localConn, remoteConn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(remoteConn, localConn)
	}()
	wg.Wait()
}

// CloseTunnel tears down the forward opened for name, if any.
func (a *Adapter) CloseTunnel(t *Tunnels, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tn, ok := t.tunnels[name]
	if !ok {
		return nil
	}
	close(tn.stop)
	tn.listener.Close()
	err := tn.client.Close()
	delete(t.tunnels, name)
	return err
}

// IsTunnelOpen reports whether a tunnel is currently registered for name.
func (t *Tunnels) IsTunnelOpen(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tunnels[name]
	return ok
}
