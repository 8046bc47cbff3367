package workload

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Encoding は生成するペイロードの形式
type Encoding string

const (
	EncodingBinary Encoding = "binary"
	EncodingJSON   Encoding = "json"
)

// DefaultBatch はパイプライン深さのデフォルト
const DefaultBatch = 1000

// Config は1回のload/loop呼び出しに対するワークロード定義
// 構築後は変更しない（値として受け渡す）
type Config struct {
	MaxItems         int           `mapstructure:"max-items" yaml:"max-items" json:"max-items"`
	MaxCreates       int           `mapstructure:"max-creates" yaml:"max-creates" json:"max-creates"`
	MaxOps           int           `mapstructure:"max-ops" yaml:"max-ops,omitempty" json:"max-ops,omitempty"`
	Duration         time.Duration `mapstructure:"time" yaml:"time,omitempty" json:"time,omitempty"`
	ExitAfterCreates bool          `mapstructure:"exit-after-creates" yaml:"exit-after-creates" json:"exit-after-creates"`
	MinValueSize     int           `mapstructure:"min-value-size" yaml:"min-value-size" json:"min-value-size"`

	RatioSets        float64 `mapstructure:"ratio-sets" yaml:"ratio-sets" json:"ratio-sets"`
	RatioMisses      float64 `mapstructure:"ratio-misses" yaml:"ratio-misses" json:"ratio-misses"`
	RatioCreates     float64 `mapstructure:"ratio-creates" yaml:"ratio-creates" json:"ratio-creates"`
	RatioDeletes     float64 `mapstructure:"ratio-deletes" yaml:"ratio-deletes" json:"ratio-deletes"`
	RatioHot         float64 `mapstructure:"ratio-hot" yaml:"ratio-hot" json:"ratio-hot"`
	RatioHotSets     float64 `mapstructure:"ratio-hot-sets" yaml:"ratio-hot-sets" json:"ratio-hot-sets"`
	RatioHotGets     float64 `mapstructure:"ratio-hot-gets" yaml:"ratio-hot-gets" json:"ratio-hot-gets"`
	RatioExpirations float64 `mapstructure:"ratio-expirations" yaml:"ratio-expirations" json:"ratio-expirations"`
	Expiration       int     `mapstructure:"expiration" yaml:"expiration" json:"expiration"`

	Threads  int      `mapstructure:"threads" yaml:"threads" json:"threads"`
	Encoding Encoding `mapstructure:"kind" yaml:"kind" json:"kind"`
	Batch    int      `mapstructure:"batch" yaml:"batch" json:"batch"`
	VBuckets int      `mapstructure:"vbuckets" yaml:"vbuckets" json:"vbuckets"`
	DocCache int      `mapstructure:"doc-cache" yaml:"doc-cache" json:"doc-cache"`
	Prefix   string   `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	Report   int      `mapstructure:"report" yaml:"report" json:"report"`
	HotShift int      `mapstructure:"hot-shift" yaml:"hot-shift" json:"hot-shift"`
}

// LoadDefaults はバルクロード（作成のみ）のデフォルト
func LoadDefaults() Config {
	return Config{
		ExitAfterCreates: true,
		MinValueSize:     1024,
		RatioSets:        1.0,
		RatioCreates:     1.0,
		Threads:          1,
		Encoding:         EncodingBinary,
		Batch:            DefaultBatch,
		DocCache:         1,
	}
}

// LoopDefaults は読み込み中心のピーク性能シナリオのデフォルト
func LoopDefaults() Config {
	return Config{
		MinValueSize: 1024,
		RatioHot:     0.2,
		RatioHotSets: 0.95,
		RatioHotGets: 0.95,
		Threads:      1,
		Encoding:     EncodingBinary,
		Batch:        DefaultBatch,
		DocCache:     1,
	}
}

// WarmupDefaults はウォームアップシナリオのデフォルト
func WarmupDefaults() Config {
	cfg := LoadDefaults()
	cfg.RatioHotGets = 0.0
	cfg.DocCache = 0
	return cfg
}

// ConfigError は設定値の型変換に失敗したことを表す
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid workload configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Build は名前付きパラメータをデフォルトに重ねてConfigを構築する
// 比率の合計は検証しない
func Build(params map[string]any, defaults Config) (Config, error) {
	cfg := defaults
	if len(params) == 0 {
		return cfg, nil
	}

	decoder, err := newDecoder(&cfg)
	if err != nil {
		return defaults, &ConfigError{Err: err}
	}

	if err := decoder.Decode(params); err != nil {
		return defaults, &ConfigError{Err: err}
	}
	return cfg, nil
}

// newDecoder は Build と Reader が共有する緩い型変換のデコーダを返す
func newDecoder(result any) (*mapstructure.Decoder, error) {
	return mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		WeaklyTypedInput: true,
		MatchName:        matchParamName,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			encodingHook,
			secondsHook,
			integralHook,
		),
	})
}

// matchParamName は "ratio_sets" と "ratio-sets" を同一視する
func matchParamName(mapKey, fieldName string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	}
	return normalize(mapKey) == normalize(fieldName)
}

// encodingHook は "json"/"binary" や 0/1 をEncodingに変換する
func encodingHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Encoding("")) {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		switch strings.ToLower(v) {
		case "json", "1":
			return EncodingJSON, nil
		case "binary", "0", "":
			return EncodingBinary, nil
		default:
			return nil, fmt.Errorf("unknown encoding %q", v)
		}
	case bool:
		if v {
			return EncodingJSON, nil
		}
		return EncodingBinary, nil
	case int, int64, uint, uint64, float64:
		if reflect.ValueOf(v).Convert(reflect.TypeOf(float64(0))).Float() != 0 {
			return EncodingJSON, nil
		}
		return EncodingBinary, nil
	}
	return data, nil
}

// secondsHook は数値を秒数としてtime.Durationに変換する
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}

	switch v := data.(type) {
	case time.Duration:
		return v, nil
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		var secs float64
		if _, err := fmt.Sscanf(v, "%g", &secs); err != nil {
			return nil, fmt.Errorf("invalid duration %q", v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

// integralHook は整数への変換で小数部を黙って切り捨てない
// "1.0" や 2.0 のような整数値の小数表記は受け付ける
func integralHook(from, to reflect.Type, data any) (any, error) {
	if to == reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}

	var f float64
	switch v := data.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case string:
		if _, err := strconv.ParseInt(strings.TrimSpace(v), 0, 64); err == nil {
			return data, nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return data, nil
		}
		f = parsed
	default:
		return data, nil
	}
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not an integer", data)
	}
	return int64(f), nil
}
