// Package sockets allocates the loopback sockets each Resource's
// listener binds to, installing OS-level loopback aliases on
// platforms that need one (macOS) so that many resources can share a
// local port on distinct addresses.
package sockets

import (
	"net"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/asaskevich/govalidator"
	"github.com/metal-stack/go-ipam"
	"github.com/pkg/errors"
)

// ErrNoMoreLoopbackAddresses is returned once a configured CIDR's host
// range is exhausted.
var ErrNoMoreLoopbackAddresses = errors.New("no more loopback addresses available")

// ErrOsAlias is wrapped around failures installing or removing an
// OS-level loopback alias.
var ErrOsAlias = errors.New("loopback alias error")

const disableAliasEnv = "KUBEF_DISABLE_LOOPBACK_ALIAS"

// Pool draws loopback IPs from an optional CIDR and binds listeners
// on them. With no CIDR configured, every resource shares
// 127.0.0.1 and the OS's normal port-collision behavior applies.
type Pool struct {
	mu     sync.Mutex
	ipam   ipam.Ipamer
	prefix string // empty when no CIDR is configured
}

// NewPool constructs a loopback pool. An empty cidr means "no pool":
// GetLoopback always returns 127.0.0.1 and a nil token.
func NewPool(cidr string) (*Pool, error) {
	if cidr == "" {
		return &Pool{}, nil
	}

	inst := ipam.New()
	prefix, err := inst.NewPrefix(cidr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create loopback ip pool for cidr %s", cidr)
	}

	return &Pool{ipam: inst, prefix: prefix.Cidr}, nil
}

// GetLoopback binds a *net.TCPListener on the next available loopback
// address for the given local port (0 means "OS-assigned ephemeral
// port"). When the pool has no configured CIDR, it always returns a
// listener on 127.0.0.1 and a nil token.
func (p *Pool) GetLoopback(port uint16) (*net.TCPListener, *Token, error) {
	ip, token, err := p.acquire()
	if err != nil {
		return nil, nil, err
	}

	addr := &net.TCPAddr{IP: ip, Port: int(port)}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		if token != nil {
			token.Release()
		}
		return nil, nil, errors.Wrapf(err, "failed to bind %s", addr)
	}

	return listener, token, nil
}

func (p *Pool) acquire() (net.IP, *Token, error) {
	if p.prefix == "" {
		return net.IPv4(127, 0, 0, 1), nil, nil
	}

	p.mu.Lock()
	acquired, err := p.ipam.AcquireIP(p.prefix)
	p.mu.Unlock()
	if err != nil {
		return nil, nil, errors.Wrap(ErrNoMoreLoopbackAddresses, err.Error())
	}

	ip := acquired.IP.IPAddr().IP
	if !ip.IsLoopback() || !govalidator.IsIP(ip.String()) {
		p.release(ip)
		return nil, nil, errors.Errorf("address %s drawn from pool is not a loopback address", ip)
	}

	if err := ensureAlias(ip); err != nil {
		p.release(ip)
		return nil, nil, err
	}

	token := &Token{pool: p, ip: ip}
	return ip, token, nil
}

func (p *Pool) release(ip net.IP) {
	if p.prefix == "" {
		return
	}
	p.mu.Lock()
	_, _ = p.ipam.ReleaseIPFromPrefix(p.prefix, ip.String())
	p.mu.Unlock()
}

// Token is a scoped, release-once handle on a loopback alias drawn
// from a Pool. Its aliveness must not outlive the Pool that issued it.
type Token struct {
	pool *Pool
	ip   net.IP
	once sync.Once
}

// Release schedules removal of the OS-level loopback alias (on
// platforms that installed one) and returns the IP to the pool. Safe
// to call multiple times; only the first call does anything.
// Fire-and-forget by design — this is cleanup, not a guarantee the
// alias is gone if the process dies uncleanly.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		go func() {
			dropAlias(t.ip)
			t.pool.release(t.ip)
		}()
	})
}

func ensureAlias(ip net.IP) error {
	if runtime.GOOS != "darwin" || os.Getenv(disableAliasEnv) != "" {
		return nil
	}
	if err := exec.Command("ifconfig", "lo0", "alias", ip.String(), "up").Run(); err != nil {
		return errors.Wrapf(ErrOsAlias, "failed to create loopback alias for %s: %v", ip, err)
	}
	return nil
}

func dropAlias(ip net.IP) {
	if runtime.GOOS != "darwin" || os.Getenv(disableAliasEnv) != "" {
		return
	}
	if err := exec.Command("ifconfig", "lo0", "-alias", ip.String()).Run(); err != nil {
		// best-effort cleanup; nothing to do with the failure but note it
		// would be observed by a caller with a logger wired in.
		_ = err
	}
}
