// Package sshprovider implements the SSH provider plugin: it opens a
// session to a Linux instance (optionally via a jump/bastion host) and
// runs whatever command a profile strategy names.
package sshprovider

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// Provider connects to instances over SSH. Authentication comes from the
// running ssh-agent (SSH_AUTH_SOCK); a fixed --bastion address substitutes
// for per-host SSH config-file lookup.
type Provider struct {
	provider.BaseProvider

	store graph.Store

	user           string
	bastionAddr    string
	bastionTimeout time.Duration
	concurrency    int
	nameCommand    string

	mu           sync.Mutex
	sem          chan struct{}
	clientConfig *ssh.ClientConfig
	bastion      *ssh.Client
}

// New constructs the ssh provider. store is consulted by Sidecar to
// resolve hostnames seen but not yet mapped to an address.
func New(store graph.Store) *Provider {
	return &Provider{store: store, bastionTimeout: 10 * time.Second, concurrency: 10}
}

// Ref returns this provider's unique identifier.
func (*Provider) Ref() string { return "ssh" }

// RegisterFlags registers this provider's CLI flags.
func (p *Provider) RegisterFlags(fs provider.FlagRegisterer) {
	fs.StringVar(&p.user, "user", "", "SSH username to connect as")
	fs.StringVar(&p.bastionAddr, "bastion", "", "Jump/bastion host to dial through, host[:port]")
	fs.IntVar(&p.concurrency, "concurrency", 10, "Max number of concurrent SSH connections")
	fs.StringVar(&p.nameCommand, "name-command", "", "Command used to determine a node's service name")
}

// OpenConnection dials address, routing through the configured bastion
// when one is set.
func (p *Provider) OpenConnection(ctx context.Context, address string) (provider.Conn, error) {
	cfg, err := p.config()
	if err != nil {
		return nil, err
	}
	p.acquire()
	defer p.release()

	target := withDefaultPort(address, "22")
	if p.bastionAddr == "" {
		client, err := dialContext(ctx, "tcp", target, cfg)
		if err != nil {
			return nil, classifyDialErr(err)
		}
		return client, nil
	}

	bastion, err := p.bastionClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	conn, err := bastion.Dial("tcp", target)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// LookupName runs the configured --name-command over conn and returns
// its trimmed output.
func (p *Provider) LookupName(ctx context.Context, address string, conn provider.Conn) (string, error) {
	if p.nameCommand == "" {
		return "", nil
	}
	out, err := p.run(conn, p.nameCommand)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Sidecar resolves every node known only by a DNS alias: it looks up the
// hostname from the connected host via getent and saves the discovered
// address.
func (p *Provider) Sidecar(ctx context.Context, address string, conn provider.Conn) (string, error) {
	if p.store == nil {
		return "", nil
	}
	for _, pending := range p.store.PendingDNSLookup() {
		out, err := p.run(conn, fmt.Sprintf("getent hosts %s | awk '{print $1}'", pending.Alias))
		if err != nil {
			continue
		}
		for _, addr := range strings.Fields(out) {
			if addr == "" {
				continue
			}
			if _, exists := p.store.ByAddress(addr); exists {
				continue
			}
			pending.Node.Address = addr
			p.store.Save(pending.Alias, pending.Node)
		}
	}
	return "", nil
}

// providerArgs is the shape ProfileStrategy.ProviderArgs decodes into for
// the ssh provider.
type providerArgs struct {
	ShellCommand string `mapstructure:"shell_command"`
}

// Profile runs the shell command each strategy's ProviderArgs names and
// parses its output.
func (p *Provider) Profile(ctx context.Context, node *graph.Node, strategies []profile.Strategy, conn provider.Conn) ([]graph.NodeTransport, error) {
	var transports []graph.NodeTransport
	for _, s := range strategies {
		var args providerArgs
		if err := mapstructure.Decode(s.ProviderArgs, &args); err != nil {
			return nil, fmt.Errorf("sshprovider: decoding provider_args for %q: %w", s.Name, err)
		}
		if args.ShellCommand == "" {
			return nil, fmt.Errorf("sshprovider: strategy %q missing provider_args.shell_command", s.Name)
		}
		out, err := p.run(conn, args.ShellCommand)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(strings.TrimSpace(out), "ERROR:") {
			return nil, fmt.Errorf("sshprovider: profile command reported an error: %s", strings.TrimSpace(out))
		}
		nts, err := profile.ParseResponse(out, node.Address, s)
		if err != nil {
			return nil, err
		}
		transports = append(transports, nts...)
	}
	return transports, nil
}

func (p *Provider) run(conn provider.Conn, command string) (string, error) {
	client, ok := conn.(*ssh.Client)
	if !ok || client == nil {
		return "", fmt.Errorf("sshprovider: invalid connection handle")
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("sshprovider: opening session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(command); err != nil {
		return "", fmt.Errorf("sshprovider: running %q: %w", command, err)
	}
	return stdout.String(), nil
}

// config lazily builds the shared ssh.ClientConfig, authenticating via
// ssh-agent (SSH_AUTH_SOCK).
func (p *Provider) config() (*ssh.ClientConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientConfig != nil {
		return p.clientConfig, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("sshprovider: SSH_AUTH_SOCK not set; an ssh-agent with loaded keys is required")
	}
	agentConn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("sshprovider: dialing ssh-agent: %w", err)
	}
	a := agent.NewClient(agentConn)

	p.clientConfig = &ssh.ClientConfig{
		User:            p.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(a.Signers)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	p.sem = make(chan struct{}, p.concurrency)
	return p.clientConfig, nil
}

func (p *Provider) bastionClient(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bastion != nil {
		return p.bastion, nil
	}
	target := withDefaultPort(p.bastionAddr, "22")
	client, err := dialContext(ctx, "tcp", target, cfg)
	if err != nil {
		return nil, fmt.Errorf("sshprovider: connecting to bastion %s: %w", target, err)
	}
	p.bastion = client
	return client, nil
}

func (p *Provider) acquire() {
	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	if sem != nil {
		sem <- struct{}{}
	}
}

func (p *Provider) release() {
	p.mu.Lock()
	sem := p.sem
	p.mu.Unlock()
	if sem != nil {
		<-sem
	}
}

// dialContext mirrors ssh.Dial but respects ctx cancellation/timeout on
// the underlying TCP dial; ssh.Dial itself only applies its
// *ssh.ClientConfig timeout to the handshake, not the initial connect.
func dialContext(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func withDefaultPort(address, port string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, port)
}

// classifyDialErr maps a dial failure onto provider.ErrTimeout when it
// looks like a network timeout.
func classifyDialErr(err error) error {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return provider.ErrTimeout
	}
	return err
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
