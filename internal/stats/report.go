package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"kvperf/internal/metrics"
	"kvperf/internal/workload"
)

// Format はレポートの出力形式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat は文字列から出力形式を返す
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// Report は閉じたセッションの出力
type Report struct {
	ID            string           `yaml:"id" json:"id"`
	Test          string           `yaml:"test" json:"test"`
	Reference     string           `yaml:"reference,omitempty" json:"reference,omitempty"`
	ClientID      string           `yaml:"client-id" json:"client-id"`
	Params        map[string]any   `yaml:"params,omitempty" json:"params,omitempty"`
	Servers       []string         `yaml:"servers" json:"servers"`
	Start         time.Time        `yaml:"start" json:"start"`
	End           time.Time        `yaml:"end" json:"end"`
	Ops           workload.Ops     `yaml:"ops" json:"ops"`
	Latency       metrics.Snapshot `yaml:"latency" json:"latency"`
	ServerSamples []ServerSample   `yaml:"server-samples,omitempty" json:"server-samples,omitempty"`

	// Path は出力先のファイル（出力しなかった場合は空）
	Path string `yaml:"-" json:"-"`
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName はレポートのファイル名を返す
func (r *Report) FileName(format Format) string {
	name := unsafeName.ReplaceAllString(r.Test, "_")
	if name == "" {
		name = "session"
	}
	short := r.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s.%s", name, short, format)
}

// Marshal はレポートを指定形式でエンコードする
func (r *Report) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(r, "", "  ")
	case FormatYAML, "":
		return yaml.Marshal(r)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// export は dir が空でなければレポートを書き出す
func (r *Report) export(dir string, format Format) error {
	if dir == "" {
		return nil
	}
	data, err := r.Marshal(format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	path := filepath.Join(dir, r.FileName(format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	r.Path = path
	return nil
}

// LoadReport はファイルからレポートを読み込む
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &r)
	} else {
		err = yaml.Unmarshal(data, &r)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	r.Path = path
	return &r, nil
}
