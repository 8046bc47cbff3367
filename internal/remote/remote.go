// Package remote runs commands on cluster machines.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedOS はリモートマシンのOSで操作がサポートされていないことを表す
var ErrUnsupportedOS = errors.New("operation not supported on remote OS")

// Host は接続先マシン
type Host struct {
	IP       string
	Port     int
	User     string
	Password string
}

// Addr は host:port を返す（ポート未指定なら22）
func (h Host) Addr() string {
	port := h.Port
	if port <= 0 {
		port = 22
	}
	return h.IP + ":" + strconv.Itoa(port)
}

// OSInfo はリモートマシンのOS情報
type OSInfo struct {
	Type         string // linux, windows, ...
	Distribution string
	Arch         string
}

// GatewaySpec はゲートウェイ(moxi)の起動パラメータ
type GatewaySpec struct {
	Port       int
	Bucket     string
	ClusterURL string
	Threads    int
}

// Process はリモートプロセスのリソース使用量
type Process struct {
	PID     int
	Name    string
	RSSKB   int64
	VSZKB   int64
	CPUPerc float64
}

// Shell はリモートマシン上の操作
type Shell interface {
	Execute(ctx context.Context, command string) (string, error)
	Info(ctx context.Context) (OSInfo, error)
	StartServer(ctx context.Context) error
	StopServer(ctx context.Context) error
	StartGateway(ctx context.Context, spec GatewaySpec) error
	StopGateway(ctx context.Context) error
	FetchDataset(ctx context.Context, url, dataPath string) error
	Processes(ctx context.Context, names []string) ([]Process, error)
	Close() error
}

// Connector はホストへのシェルを開く
type Connector interface {
	Connect(ctx context.Context, host Host) (Shell, error)
}

// ParsePS は "ps -o pid,rss,vsz,pcpu,comm" の出力を解析する
func ParsePS(out string) ([]Process, error) {
	var procs []Process
	for line := range strings.SplitSeq(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if fields[0] == "PID" {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse ps line %q: %w", line, err)
		}
		rss, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse ps line %q: %w", line, err)
		}
		vsz, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse ps line %q: %w", line, err)
		}
		cpu, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("parse ps line %q: %w", line, err)
		}

		procs = append(procs, Process{
			PID:     pid,
			RSSKB:   rss,
			VSZKB:   vsz,
			CPUPerc: cpu,
			Name:    strings.Join(fields[4:], " "),
		})
	}
	return procs, nil
}
