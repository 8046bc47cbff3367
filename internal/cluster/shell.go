package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"kvperf/internal/logger"
	"kvperf/internal/node"
	"kvperf/internal/remote"
)

// Ensure Cluster implements remote.Connector
var _ remote.Connector = (*Cluster)(nil)

// Connect はプロビジョニング済みホストへのシミュレーションシェルを返す
func (c *Cluster) Connect(_ context.Context, host remote.Host) (remote.Shell, error) {
	n, ok := c.Node(host.IP)
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", host.IP, ErrUnknownHost)
	}
	return &simShell{c: c, n: n}, nil
}

// Commands はホストで実行されたコマンドの履歴を返す
func (c *Cluster) Commands(ip string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.commands[ip])
}

// GatewayRunning はホストでゲートウェイが起動しているかを返す
func (c *Cluster) GatewayRunning(ip string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gateways[ip]
}

func (c *Cluster) record(ip, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[ip] = append(c.commands[ip], command)
}

func (c *Cluster) setGateway(ip string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateways[ip] = running
}

func (c *Cluster) startCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// simShell はノードの起動停止とプロセス情報を模倣するシェル
type simShell struct {
	c *Cluster
	n *node.Node
}

func (s *simShell) Execute(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.c.record(s.n.ID(), command)

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	switch fields[0] {
	case "uname":
		return "Linux " + runtime.GOARCH + "\n", nil
	case "ps":
		names := []string{"memcached"}
		if i := slices.Index(fields, "-C"); i >= 0 && i+1 < len(fields) {
			names = strings.Split(fields[i+1], ",")
		}
		return s.psOutput(names), nil
	default:
		logger.Debug(s.n.ID(), "simulated command %q", command)
		return "", nil
	}
}

func (s *simShell) Info(context.Context) (remote.OSInfo, error) {
	return remote.OSInfo{Type: "linux", Distribution: "simulated", Arch: runtime.GOARCH}, nil
}

func (s *simShell) StartServer(ctx context.Context) error {
	s.c.record(s.n.ID(), "start server")
	if s.n.Status() != node.StatusStopped {
		return nil
	}
	return s.n.Start(s.c.startCtx())
}

func (s *simShell) StopServer(context.Context) error {
	s.c.record(s.n.ID(), "stop server")
	if s.n.Status() == node.StatusStopped {
		return nil
	}
	return s.n.Stop()
}

func (s *simShell) StartGateway(_ context.Context, spec remote.GatewaySpec) error {
	s.c.record(s.n.ID(), fmt.Sprintf("start gateway port=%d bucket=%s", spec.Port, spec.Bucket))
	s.c.setGateway(s.n.ID(), true)
	return nil
}

func (s *simShell) StopGateway(context.Context) error {
	s.c.record(s.n.ID(), "stop gateway")
	s.c.setGateway(s.n.ID(), false)
	return nil
}

func (s *simShell) FetchDataset(_ context.Context, url, dataPath string) error {
	if s.n.Status() != node.StatusStopped {
		return fmt.Errorf("%s: server must be stopped before restoring a dataset", s.n.ID())
	}
	s.c.record(s.n.ID(), fmt.Sprintf("fetch %s -> %s", url, dataPath))
	return nil
}

func (s *simShell) Processes(ctx context.Context, names []string) ([]remote.Process, error) {
	out, err := s.Execute(ctx, "ps -o pid,rss,vsz,pcpu,comm -C "+strings.Join(names, ","))
	if err != nil {
		return nil, err
	}
	return remote.ParsePS(out)
}

func (s *simShell) Close() error {
	return nil
}

// psOutput はノードの使用メモリから ps 形式の出力を作る
func (s *simShell) psOutput(names []string) string {
	var b strings.Builder
	b.WriteString("  PID   RSS    VSZ %CPU COMMAND\n")
	if s.n.Status() == node.StatusStopped {
		return b.String()
	}

	mem, _ := strconv.ParseInt(s.n.Stats()["mem_used"], 10, 64)
	rss := mem/1024 + 1024
	for _, name := range names {
		h := fnv.New32a()
		_, _ = h.Write([]byte(s.n.ID() + name))
		pid := int(h.Sum32()%30000) + 1000
		fmt.Fprintf(&b, "%5d %5d %6d %4.1f %s\n", pid, rss, rss*2, 0.0, name)
	}
	return b.String()
}
