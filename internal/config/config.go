package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvperf/internal/chaos"
	"kvperf/internal/cluster"
	"kvperf/internal/events"
	"kvperf/internal/loadgen"
	"kvperf/internal/memcached"
	"kvperf/internal/mgmt"
	"kvperf/internal/remote"
	"kvperf/internal/rest"
	"kvperf/internal/scenario"
	"kvperf/internal/stats"
	"kvperf/internal/workload"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Cluster ClusterConfig  `yaml:"cluster" json:"cluster"`
	Params  map[string]any `yaml:"params" json:"params"`
	Stats   StatsConfig    `yaml:"stats" json:"stats"`
	Wait    WaitConfig     `yaml:"wait" json:"wait"`
	Chaos   ChaosConfig    `yaml:"chaos" json:"chaos"`

	Settle          string `yaml:"settle" json:"settle"`
	TeardownTimeout string `yaml:"teardown_timeout" json:"teardown_timeout"`
}

// ClusterConfig はクラスタ接続設定
type ClusterConfig struct {
	Servers  []mgmt.Server  `yaml:"servers" json:"servers"`
	Gateways []mgmt.Gateway `yaml:"gateways" json:"gateways"`

	// Simulated が true ならプロセス内のシミュレーションクラスタを使う
	Simulated bool `yaml:"simulated" json:"simulated"`
	VBuckets  int  `yaml:"vbuckets" json:"vbuckets"`

	Timeout string    `yaml:"timeout" json:"timeout"`
	SSH     SSHConfig `yaml:"ssh" json:"ssh"`
}

// SSHConfig はSSH接続設定
type SSHConfig struct {
	KnownHosts     string `yaml:"known_hosts" json:"known_hosts"`
	PrivateKeyFile string `yaml:"private_key_file" json:"private_key_file"`
	Timeout        string `yaml:"timeout" json:"timeout"`
}

// StatsConfig は統計レポート設定
type StatsConfig struct {
	OutDir string `yaml:"out_dir" json:"out_dir"`
	Format string `yaml:"format" json:"format"`
}

// WaitConfig はポーリング設定
type WaitConfig struct {
	Interval string `yaml:"interval" json:"interval"`
	MaxWait  string `yaml:"max_wait" json:"max_wait"`
}

// ChaosConfig はカオス設定
type ChaosConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Interval  string   `yaml:"interval" json:"interval"`
	Targets   int      `yaml:"targets" json:"targets"`
	Faults    []string `yaml:"faults" json:"faults"`
	HealAfter string   `yaml:"heal_after" json:"heal_after"`
}

// LoadFile は設定ファイルを読み込む
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FileConfig
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &config, nil
}

// Topology はサーバー定義からトポロジを返す
func (f *FileConfig) Topology() mgmt.Topology {
	return mgmt.Topology{Servers: f.Cluster.Servers, Gateways: f.Cluster.Gateways}
}

// parseDuration は空文字列なら def を返す
func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// ToScenarioConfig はFileConfigをscenario.Configに変換する
func (f *FileConfig) ToScenarioConfig() (scenario.Config, error) {
	config := scenario.DefaultConfig()
	config.Topology = f.Topology()
	if len(f.Params) > 0 {
		config.Params = workload.Params(f.Params)
	}

	var err error
	if config.Settle, err = parseDuration("settle", f.Settle, config.Settle); err != nil {
		return config, err
	}
	if config.TeardownTimeout, err = parseDuration("teardown_timeout", f.TeardownTimeout, config.TeardownTimeout); err != nil {
		return config, err
	}
	if config.Wait.Interval, err = parseDuration("wait.interval", f.Wait.Interval, config.Wait.Interval); err != nil {
		return config, err
	}
	if config.Wait.MaxWait, err = parseDuration("wait.max_wait", f.Wait.MaxWait, config.Wait.MaxWait); err != nil {
		return config, err
	}

	config.OutDir = f.Stats.OutDir
	if f.Stats.Format != "" {
		format, err := stats.ParseFormat(f.Stats.Format)
		if err != nil {
			return config, err
		}
		config.Format = format
	}

	if f.Chaos.Enabled {
		cc, err := f.Chaos.toChaosConfig()
		if err != nil {
			return config, err
		}
		config.Chaos = &cc
	}
	return config, nil
}

func (c ChaosConfig) toChaosConfig() (chaos.Config, error) {
	cc := chaos.DefaultConfig()
	var err error
	if cc.Interval, err = parseDuration("chaos.interval", c.Interval, cc.Interval); err != nil {
		return cc, err
	}
	if cc.HealAfter, err = parseDuration("chaos.heal_after", c.HealAfter, cc.HealAfter); err != nil {
		return cc, err
	}
	if c.Targets > 0 {
		cc.TargetCount = c.Targets
	}
	if len(c.Faults) > 0 {
		faults, err := ParseFaults(c.Faults)
		if err != nil {
			return cc, err
		}
		cc.Faults = faults
	}
	return cc, nil
}

// ParseFaults は文字列の障害タイプをパースする
func ParseFaults(types []string) ([]events.FaultType, error) {
	var faults []events.FaultType

	for _, t := range types {
		switch strings.ToLower(t) {
		case "clog":
			faults = append(faults, events.FaultClog)
		case "failover":
			faults = append(faults, events.FaultFailover)
		case "restart":
			faults = append(faults, events.FaultRestart)
		default:
			return nil, fmt.Errorf("unknown fault type: %s", t)
		}
	}

	return faults, nil
}

// ParseParams は "key=value" 形式の文字列をパラメータにする
// 値は文字列のまま保持し、読み出し側で変換する
func ParseParams(pairs []string) (workload.Params, error) {
	params := make(workload.Params, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", p)
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params, nil
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	if len(f.Cluster.Servers) == 0 {
		return fmt.Errorf("cluster.servers: %w", mgmt.ErrEmptyTopology)
	}
	seen := make(map[string]bool, len(f.Cluster.Servers))
	for i, s := range f.Cluster.Servers {
		if s.IP == "" {
			return fmt.Errorf("cluster.servers[%d].ip is required", i)
		}
		if seen[s.IP] {
			return fmt.Errorf("cluster.servers[%d]: duplicate ip %s", i, s.IP)
		}
		seen[s.IP] = true
	}

	if f.Cluster.VBuckets < 0 {
		return fmt.Errorf("cluster.vbuckets must be non-negative")
	}

	if f.Chaos.Targets < 0 {
		return fmt.Errorf("chaos.targets must be non-negative")
	}
	// 先頭サーバーは障害の対象にならない
	if f.Chaos.Enabled && max(f.Chaos.Targets, 1) >= len(f.Cluster.Servers) {
		return fmt.Errorf("chaos.targets must be less than the number of servers")
	}

	return nil
}

// Backend は設定に応じたクラスタ操作の実装を組み立てる
// 返される close はシミュレーションクラスタを止める（実クラスタでは何もしない）
func (f *FileConfig) Backend(ctx context.Context) (scenario.Backend, func() error, error) {
	topo := f.Topology()
	primary, err := topo.Primary()
	if err != nil {
		return scenario.Backend{}, nil, err
	}

	if f.Cluster.Simulated {
		cfg := cluster.DefaultConfig()
		if f.Cluster.VBuckets > 0 {
			cfg.NumVBuckets = f.Cluster.VBuckets
		}
		cl := cluster.FromTopology(topo, cfg)
		if err := cl.StartAll(ctx); err != nil {
			return scenario.Backend{}, nil, fmt.Errorf("start simulated cluster: %w", err)
		}
		return scenario.Backend{API: cl, Shells: cl, Generator: loadgen.New(cl)}, cl.StopAll, nil
	}

	timeout, err := parseDuration("cluster.timeout", f.Cluster.Timeout, rest.DefaultTimeout)
	if err != nil {
		return scenario.Backend{}, nil, err
	}
	sshTimeout, err := parseDuration("cluster.ssh.timeout", f.Cluster.SSH.Timeout, 0)
	if err != nil {
		return scenario.Backend{}, nil, err
	}
	shells := &remote.SSHConnector{Timeout: sshTimeout, KnownHostsFile: f.Cluster.SSH.KnownHosts}
	if f.Cluster.SSH.PrivateKeyFile != "" {
		key, err := os.ReadFile(f.Cluster.SSH.PrivateKeyFile)
		if err != nil {
			return scenario.Backend{}, nil, fmt.Errorf("read ssh key: %w", err)
		}
		shells.PrivateKey = key
	}

	api := rest.New(primary, rest.Options{
		Timeout: timeout,
		Admin:   &memcached.Admin{Timeout: timeout},
	})
	bucket := workload.Params(f.Params).Reader().String("bucket", "default")
	dialer := &memcached.Dialer{Timeout: timeout, Bucket: bucket, VBuckets: api}
	return scenario.Backend{API: api, Shells: shells, Generator: loadgen.New(dialer)}, func() error { return nil }, nil
}
