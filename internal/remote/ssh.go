package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"kvperf/internal/logger"
)

const (
	defaultSSHTimeout = 30 * time.Second
	serverInitScript  = "/etc/init.d/couchbase-server"
	gatewayBinary     = "/opt/moxi/bin/moxi"
)

// SSHConnector はSSHでシェルを開く
type SSHConnector struct {
	Timeout        time.Duration
	KnownHostsFile string
	PrivateKey     []byte
}

var _ Connector = (*SSHConnector)(nil)

func (c *SSHConnector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsFile != "" {
		return knownhosts.New(c.KnownHostsFile)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logger.Warn("ssh", "host key for %s (%s) not verified", hostname, key.Type())
		return nil
	}, nil
}

// Connect はホストにSSH接続する
func (c *SSHConnector) Connect(ctx context.Context, host Host) (Shell, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}

	cb, err := c.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	auth := []ssh.AuthMethod{ssh.Password(host.Password)}
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append([]ssh.AuthMethod{ssh.PublicKeys(signer)}, auth...)
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            auth,
		HostKeyCallback: cb,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host.Addr(), err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(nc, host.Addr(), config)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", host.Addr(), err)
	}

	return &sshShell{host: host, client: ssh.NewClient(conn, chans, reqs)}, nil
}

// sshShell はSSHセッション越しのShell
type sshShell struct {
	host   Host
	client *ssh.Client

	mu   sync.Mutex
	info *OSInfo
}

// Execute はコマンドを実行し、標準出力を返す
func (s *sshShell) Execute(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session on %s: %w", s.host.IP, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%s: %q: %w: %s", s.host.IP, command, err, strings.TrimSpace(stderr.String()))
		}
	}

	logger.Debug(s.host.IP, "ran %q", command)
	return stdout.String(), nil
}

// Info はOS情報を返す（結果はキャッシュされる）
func (s *sshShell) Info(ctx context.Context) (OSInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info != nil {
		return *s.info, nil
	}

	out, err := s.Execute(ctx, "uname -s -m")
	if err != nil {
		return OSInfo{}, err
	}
	fields := strings.Fields(out)
	info := OSInfo{Type: "unknown"}
	if len(fields) > 0 {
		info.Type = strings.ToLower(fields[0])
	}
	if len(fields) > 1 {
		info.Arch = fields[1]
	}
	if info.Type == "linux" {
		if rel, err := s.Execute(ctx, "cat /etc/redhat-release 2>/dev/null || lsb_release -si 2>/dev/null"); err == nil {
			info.Distribution = strings.TrimSpace(rel)
		}
	}
	s.info = &info
	return info, nil
}

func (s *sshShell) requireLinux(ctx context.Context) error {
	info, err := s.Info(ctx)
	if err != nil {
		return err
	}
	if info.Type != "linux" {
		return fmt.Errorf("%w: %s", ErrUnsupportedOS, info.Type)
	}
	return nil
}

// StartServer はサーバープロセスを起動する
func (s *sshShell) StartServer(ctx context.Context) error {
	if err := s.requireLinux(ctx); err != nil {
		return err
	}
	_, err := s.Execute(ctx, serverInitScript+" start")
	return err
}

// StopServer はサーバープロセスを停止する
func (s *sshShell) StopServer(ctx context.Context) error {
	if err := s.requireLinux(ctx); err != nil {
		return err
	}
	_, err := s.Execute(ctx, serverInitScript+" stop")
	return err
}

// StartGateway はゲートウェイをデーモンとして起動する
func (s *sshShell) StartGateway(ctx context.Context, spec GatewaySpec) error {
	if err := s.requireLinux(ctx); err != nil {
		return err
	}
	threads := spec.Threads
	if threads <= 0 {
		threads = 4
	}
	cmd := fmt.Sprintf("%s -d -u root -t %d -p %d -Z port_listen=%d %s",
		gatewayBinary, threads, spec.Port, spec.Port, spec.ClusterURL)
	_, err := s.Execute(ctx, cmd)
	return err
}

// StopGateway はゲートウェイを停止する
func (s *sshShell) StopGateway(ctx context.Context) error {
	_, err := s.Execute(ctx, "killall -9 moxi || true")
	return err
}

// FetchDataset はデータセットのアーカイブを取得してデータディレクトリに展開する
func (s *sshShell) FetchDataset(ctx context.Context, url, dataPath string) error {
	if err := s.requireLinux(ctx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("cd %s && rm -rf * && wget -q -O dataset.tgz %s && tar xzf dataset.tgz && rm -f dataset.tgz",
		dataPath, url)
	_, err := s.Execute(ctx, cmd)
	return err
}

// Processes は指定名のプロセスのリソース使用量を返す
func (s *sshShell) Processes(ctx context.Context, names []string) ([]Process, error) {
	out, err := s.Execute(ctx, "ps -o pid,rss,vsz,pcpu,comm -C "+strings.Join(names, ","))
	if err != nil {
		return nil, err
	}
	return ParsePS(out)
}

func (s *sshShell) Close() error {
	return s.client.Close()
}
