package memcached

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v9/memd"

	"kvperf/internal/loadgen"
)

// ErrStatus はサーバーが成功以外のステータスを返したことを表す
var ErrStatus = errors.New("memcached: error status")

// conn は1サーバーへのバイナリプロトコル接続
// Do は同時に1つだけ実行される
type conn struct {
	addr     string
	timeout  time.Duration
	user     string
	password string

	mu     sync.Mutex
	nc     net.Conn
	mc     *memd.Conn
	opaque uint32
}

func newConn(addr string, timeout time.Duration, user, password string) *conn {
	return &conn{addr: addr, timeout: timeout, user: user, password: password}
}

// connect は未接続なら接続し、必要ならSASL PLAIN認証を行う
func (c *conn) connect(ctx context.Context) error {
	if c.mc != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	c.nc = nc
	c.mc = memd.NewConn(nc)

	if c.user != "" {
		if err := c.auth(); err != nil {
			c.reset()
			return err
		}
	}
	return nil
}

func (c *conn) auth() error {
	_ = c.nc.SetDeadline(time.Now().Add(c.timeout))
	err := c.mc.WritePacket(&memd.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdSASLAuth,
		Key:     []byte("PLAIN"),
		Value:   []byte("\x00" + c.user + "\x00" + c.password),
	})
	if err != nil {
		return err
	}
	resp, _, err := c.mc.ReadPacket()
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusSuccess {
		return fmt.Errorf("sasl auth as %s: %w 0x%02x", c.user, ErrStatus, uint16(resp.Status))
	}
	return nil
}

func (c *conn) reset() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc = nil
	c.mc = nil
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Close()
	c.nc = nil
	c.mc = nil
	return err
}

// do はidxで指定した操作をパイプラインで送信し、結果をresultsに書き込む
// I/Oエラー時は未完了の操作をすべてエラーにし、次回呼び出しで再接続する
func (c *conn) do(ctx context.Context, ops []loadgen.Op, idx []int, results []loadgen.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fail := func(err error, pending map[uint32]int) {
		for _, i := range pending {
			results[i].Err = err
		}
		c.reset()
	}

	pending := make(map[uint32]int, len(idx))
	if err := c.connect(ctx); err != nil {
		for _, i := range idx {
			results[i].Err = err
		}
		return
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetDeadline(deadline)

	for _, i := range idx {
		c.opaque++
		pending[c.opaque] = i
		if err := c.mc.WritePacket(request(ops[i], c.opaque)); err != nil {
			fail(err, pending)
			return
		}
	}

	for len(pending) > 0 {
		resp, _, err := c.mc.ReadPacket()
		if err != nil {
			fail(err, pending)
			return
		}
		i, ok := pending[resp.Opaque]
		if !ok {
			continue
		}
		delete(pending, resp.Opaque)
		results[i] = result(resp)
	}
}

// request は操作をリクエストパケットに変換する
func request(op loadgen.Op, opaque uint32) *memd.Packet {
	pkt := &memd.Packet{
		Magic:   memd.CmdMagicReq,
		Vbucket: op.VBucket,
		Opaque:  opaque,
		Key:     []byte(op.Key),
	}

	switch op.Kind {
	case loadgen.OpGet:
		pkt.Command = memd.CmdGet
	case loadgen.OpSet:
		pkt.Command = memd.CmdSet
		extras := make([]byte, 8)
		binary.BigEndian.PutUint32(extras[0:], op.Flags)
		binary.BigEndian.PutUint32(extras[4:], op.Expiration)
		pkt.Extras = extras
		pkt.Value = op.Value
	case loadgen.OpDelete:
		pkt.Command = memd.CmdDelete
	}
	return pkt
}

// result はレスポンスパケットを結果に変換する
// キーが存在しない場合はエラーではなくミスとして扱う
func result(resp *memd.Packet) loadgen.Result {
	switch resp.Status {
	case memd.StatusSuccess:
		return loadgen.Result{Hit: true, Value: resp.Value}
	case memd.StatusKeyNotFound:
		return loadgen.Result{}
	default:
		return loadgen.Result{Err: fmt.Errorf("%w 0x%02x", ErrStatus, uint16(resp.Status))}
	}
}
