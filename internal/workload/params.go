package workload

import (
	"fmt"
	"maps"
)

// Params はシナリオに渡される名前付きテストパラメータ
type Params map[string]any

// Lookup は値を返す（存在しなければdef）
func (p Params) Lookup(name string, def any) any {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Has はパラメータが指定されているかを返す
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Merge は上書きしたコピーを返す
func (p Params) Merge(overrides map[string]any) Params {
	out := make(Params, len(p)+len(overrides))
	maps.Copy(out, p)
	maps.Copy(out, overrides)
	return out
}

// Reader は型変換エラーを最初の1つだけ保持しながらパラメータを読み出す
//
//	r := params.Reader()
//	items := r.Int("items", 1000000)
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	params Params
	err    error
}

// Reader は新しいReaderを返す
func (p Params) Reader() *Reader {
	return &Reader{params: p}
}

// Err は最初に発生した変換エラーを返す
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(name string, v any, kind string, err error) {
	if r.err == nil {
		r.err = &ConfigError{Err: fmt.Errorf("parameter %q: cannot convert %v to %s: %w", name, v, kind, err)}
	}
}

// lookup は名前が完全一致する値を優先し、なければ "_" と "-" を同一視して探す
func (r *Reader) lookup(name string) (any, bool) {
	if v, ok := r.params[name]; ok {
		return v, true
	}
	for k, v := range r.params {
		if matchParamName(k, name) {
			return v, true
		}
	}
	return nil, false
}

// read はパラメータを Build と同じ規則で out に変換する
// パラメータがないか変換に失敗すれば false を返す
func (r *Reader) read(name string, out any, kind string) bool {
	v, ok := r.lookup(name)
	if !ok || v == nil {
		return false
	}
	decoder, err := newDecoder(out)
	if err == nil {
		err = decoder.Decode(v)
	}
	if err != nil {
		r.fail(name, v, kind, err)
		return false
	}
	return true
}

// String は文字列パラメータを返す
func (r *Reader) String(name, def string) string {
	var s string
	if !r.read(name, &s, "string") {
		return def
	}
	return s
}

// Int は整数パラメータを返す
func (r *Reader) Int(name string, def int) int {
	var n int
	if !r.read(name, &n, "int") {
		return def
	}
	return n
}

// Float は浮動小数点パラメータを返す
func (r *Reader) Float(name string, def float64) float64 {
	var f float64
	if !r.read(name, &f, "float") {
		return def
	}
	return f
}

// Bool は真偽値パラメータを返す（0/1も受け付ける）
func (r *Reader) Bool(name string, def bool) bool {
	var b bool
	if !r.read(name, &b, "bool") {
		return def
	}
	return b
}
