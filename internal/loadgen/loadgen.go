package loadgen

import (
	"context"
	"errors"
	"time"

	"kvperf/internal/target"
	"kvperf/internal/workload"
)

// ErrUnsupportedProtocol はダイアラが指定のプロトコルファミリに対応していないことを表す
var ErrUnsupportedProtocol = errors.New("unsupported protocol family")

// OpKind はKV操作の種類
type OpKind uint8

const (
	OpGet OpKind = iota
	OpSet
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op はバッチ内の1操作
type Op struct {
	Kind       OpKind
	Key        string
	Value      []byte
	Flags      uint32
	Expiration uint32
	VBucket    uint16
}

// Result は1操作の結果
// getでキーが存在しなければ Hit は false（エラーではない）
type Result struct {
	Hit   bool
	Value []byte
	Err   error
}

// Conn はバッチをパイプライン実行する接続
// Do は ops と同じ長さの結果を返す
type Conn interface {
	Do(ctx context.Context, ops []Op) []Result
	Close() error
}

// Dialer はエンドポイントへの接続を作る
type Dialer interface {
	Dial(ctx context.Context, ep target.Endpoint, cfg workload.Config) (Conn, error)
}

// DialerFunc は関数をDialerとして使うためのアダプタ
type DialerFunc func(ctx context.Context, ep target.Endpoint, cfg workload.Config) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep target.Endpoint, cfg workload.Config) (Conn, error) {
	return f(ctx, ep, cfg)
}

// Sink はワーカーのサンプルを受け取る（stats.Sessionが実装する）
type Sink interface {
	RecordOps(s workload.Sample) error
}

// Generator はワークロード生成器の契約
// ctl が停止されるか ctx が終了すると、実行中のバッチを終えてから戻る
// トランスポートのエラーは RunState.Errors に数えられ、戻り値にはならない
type Generator interface {
	Run(ctx context.Context, cfg workload.Config, cur workload.RunState, ep target.Endpoint,
		sink Sink, ctl *workload.Control) (workload.RunState, time.Time, time.Time, error)
}
