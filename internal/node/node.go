package node

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"kvperf/internal/logger"
)

var (
	// ErrNotRunning はノードが操作を受け付けられない状態であることを表す
	ErrNotRunning = errors.New("node is not running")
	// ErrTempFail はウォームアップ中などで一時的に処理できないことを表す
	ErrTempFail = errors.New("temporary failure")
)

// Store はvbucket単位のKV操作を定義するインターフェース
type Store interface {
	Get(vb uint16, key string) ([]byte, bool, error)
	Set(vb uint16, key string, value []byte, expiration time.Duration) error
	Delete(vb uint16, key string) (bool, error)
	Size() int
}

// Ensure Node implements Store
var _ Store = (*Node)(nil)

// Status はノードの状態を表す
type Status int

const (
	StatusStopped Status = iota
	StatusWarmup
	StatusRunning
	StatusSuspended
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusWarmup:
		return "warmup"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Config はシミュレーションノードのタイミング設定
type Config struct {
	FlushInterval time.Duration // フラッシャーの周期
	FlushBatch    int           // 1周期で永続化するアイテム数
	WarmupDelay   time.Duration // 起動からウォームアップ完了までの時間
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Millisecond,
		FlushBatch:    10000,
		WarmupDelay:   50 * time.Millisecond,
	}
}

type item struct {
	value   []byte
	expires time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expires.IsZero() && now.After(it.expires)
}

// Node はvbucketを保持するシミュレーションのデータノード
// 書き込みは永続化キューに積まれ、フラッシャーが周期的に消化する
type Node struct {
	id     string
	config Config

	mu           sync.RWMutex
	status       Status
	delay        time.Duration
	vbuckets     map[uint16]map[string]item
	queue        int
	flusherTodo  int
	flushing     bool
	warmedUp     bool
	asyncThreads int
	params       map[string]string
	pendingBytes int64
	diskBytes    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New は新しいノードを作成する
func New(id string, config Config) *Node {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig().FlushInterval
	}
	if config.FlushBatch <= 0 {
		config.FlushBatch = DefaultConfig().FlushBatch
	}
	return &Node{
		id:       id,
		config:   config,
		status:   StatusStopped,
		vbuckets: make(map[uint16]map[string]item),
		flushing: true,
		params:   make(map[string]string),
	}
}

// ID はノードID（IPアドレス）を返す
func (n *Node) ID() string {
	return n.id
}

// Start はノードを起動し、ウォームアップとフラッシャーを開始する
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusStopped {
		return fmt.Errorf("node %s is already %s", n.id, n.status)
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.status = StatusWarmup
	n.warmedUp = false

	n.wg.Add(2)
	go n.warmup(n.ctx)
	go n.flusher(n.ctx)

	logger.Info(n.id, "Node started (warmup %v)", n.config.WarmupDelay)
	return nil
}

func (n *Node) warmup(ctx context.Context) {
	defer n.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(n.config.WarmupDelay):
	}

	n.mu.Lock()
	n.warmedUp = true
	if n.status == StatusWarmup {
		n.status = StatusRunning
	}
	n.mu.Unlock()
	logger.Debug(n.id, "Warmup complete")
}

func (n *Node) flusher(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.flushOnce()
		}
	}
}

// flushOnce は永続化を1周期分進める
// キューからtodoへ移し、todoを永続化する
func (n *Node) flushOnce() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.flushing {
		return
	}
	moved := min(n.queue, n.config.FlushBatch)
	n.flusherTodo = moved
	if moved == 0 {
		return
	}

	persisted := n.pendingBytes * int64(moved) / int64(n.queue)
	n.queue -= moved
	n.pendingBytes -= persisted
	n.diskBytes += persisted
}

// Stop はノードを停止する（データは保持される）
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.status == StatusStopped {
		n.mu.Unlock()
		return fmt.Errorf("node %s is already stopped", n.id)
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.status = StatusStopped
	n.mu.Unlock()

	n.wg.Wait()

	logger.Info(n.id, "Node stopped")
	return nil
}

// Status はノードの現在のステータスを返す
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Suspend はノードを一時停止する（要求はエラーになる）
func (n *Node) Suspend() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusRunning {
		return fmt.Errorf("node %s is not running", n.id)
	}

	n.status = StatusSuspended
	logger.Info(n.id, "Node suspended")
	return nil
}

// Resume は一時停止中のノードを再開する
func (n *Node) Resume() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.status != StatusSuspended {
		return fmt.Errorf("node %s is not suspended", n.id)
	}

	n.status = StatusRunning
	logger.Info(n.id, "Node resumed")
	return nil
}

// SetDelay はレスポンス遅延を設定する
func (n *Node) SetDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delay = d
}

func (n *Node) applyDelay() {
	n.mu.RLock()
	d := n.delay
	n.mu.RUnlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (n *Node) checkServing() error {
	switch n.status {
	case StatusRunning:
		return nil
	case StatusWarmup:
		return fmt.Errorf("node %s: %w (warming up)", n.id, ErrTempFail)
	default:
		return fmt.Errorf("node %s: %w (%s)", n.id, ErrNotRunning, n.status)
	}
}

// Get はキーに対応する値を取得する
func (n *Node) Get(vb uint16, key string) ([]byte, bool, error) {
	n.applyDelay()

	n.mu.RLock()
	defer n.mu.RUnlock()

	if err := n.checkServing(); err != nil {
		return nil, false, err
	}

	it, ok := n.vbuckets[vb][key]
	if !ok || it.expired(time.Now()) {
		return nil, false, nil
	}
	return it.value, true, nil
}

// Set はキーに値を設定し、永続化キューに積む
func (n *Node) Set(vb uint16, key string, value []byte, expiration time.Duration) error {
	n.applyDelay()

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkServing(); err != nil {
		return err
	}

	it := item{value: value}
	if expiration > 0 {
		it.expires = time.Now().Add(expiration)
	}
	n.vbucket(vb)[key] = it
	n.queue++
	n.pendingBytes += int64(len(key) + len(value))
	return nil
}

// Delete はキーを削除する
func (n *Node) Delete(vb uint16, key string) (bool, error) {
	n.applyDelay()

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkServing(); err != nil {
		return false, err
	}

	_, ok := n.vbuckets[vb][key]
	if ok {
		delete(n.vbuckets[vb], key)
		n.queue++
	}
	return ok, nil
}

func (n *Node) vbucket(vb uint16) map[string]item {
	m, ok := n.vbuckets[vb]
	if !ok {
		m = make(map[string]item)
		n.vbuckets[vb] = m
	}
	return m
}

// Size は有効なアイテム数を返す
func (n *Node) Size() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, m := range n.vbuckets {
		for _, it := range m {
			if !it.expired(now) {
				count++
			}
		}
	}
	return count
}

// ExportVBucket はvbucketの内容のコピーを返す（リバランス・レプリケーション用）
func (n *Node) ExportVBucket(vb uint16) map[string][]byte {
	n.mu.RLock()
	defer n.mu.RUnlock()

	now := time.Now()
	out := make(map[string][]byte, len(n.vbuckets[vb]))
	for k, it := range n.vbuckets[vb] {
		if !it.expired(now) {
			out[k] = it.value
		}
	}
	return out
}

// ImportVBucket はvbucketの内容を置き換える
// 受け取ったアイテムは永続化キューに積まれる
func (n *Node) ImportVBucket(vb uint16, data map[string][]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	m := make(map[string]item, len(data))
	for k, v := range data {
		m[k] = item{value: v}
		n.pendingBytes += int64(len(k) + len(v))
	}
	n.vbuckets[vb] = m
	n.queue += len(data)
}

// DropVBucket はvbucketを削除する
func (n *Node) DropVBucket(vb uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vbuckets, vb)
}

// ForEach はvbucket内の有効なアイテムに対してfnを呼ぶ
func (n *Node) ForEach(vb uint16, fn func(key string, value []byte)) {
	n.mu.RLock()
	items := maps.Clone(n.vbuckets[vb])
	n.mu.RUnlock()

	now := time.Now()
	for k, it := range items {
		if !it.expired(now) {
			fn(k, it.value)
		}
	}
}

// SetFlushing はフラッシャーの停止(clog)/再開を切り替える
func (n *Node) SetFlushing(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flushing = on
	if !on {
		n.flusherTodo = 0
	}
	logger.Info(n.id, "Flusher %s", map[bool]string{true: "started", false: "stopped"}[on])
}

// SetParam はフラッシュパラメータを設定する（ep_<key>として読み出せる）
func (n *Node) SetParam(key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params[key] = value
}

// SetAsyncThreads はerlang asyncスレッド数を設定する（再起動後に有効）
func (n *Node) SetAsyncThreads(threads int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.asyncThreads = threads
}

// DiskBytes は永続化済みの推定サイズを返す
func (n *Node) DiskBytes() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.diskBytes
}

// Stats はep-engine互換の統計値を返す
func (n *Node) Stats() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	warmup := "running"
	if n.warmedUp {
		warmup = "complete"
	}
	flusher := "running"
	if !n.flushing {
		flusher = "paused"
	}

	now := time.Now()
	items := 0
	var mem int
	for _, m := range n.vbuckets {
		for k, it := range m {
			if !it.expired(now) {
				items++
				mem += len(k) + len(it.value)
			}
		}
	}

	stats := map[string]string{
		"ep_queue_size":    strconv.Itoa(n.queue),
		"ep_flusher_todo":  strconv.Itoa(n.flusherTodo),
		"ep_flusher_state": flusher,
		"ep_warmup_thread": warmup,
		"curr_items":       strconv.Itoa(items),
		"mem_used":         strconv.Itoa(mem),
		"ep_num_vbuckets":  strconv.Itoa(len(n.vbuckets)),
		"ep_async_threads": strconv.Itoa(n.asyncThreads),
		"ep_db_data_size":  strconv.FormatInt(n.diskBytes, 10),
		"ep_node_status":   n.status.String(),
	}
	for k, v := range n.params {
		stats["ep_"+k] = v
	}
	return stats
}
