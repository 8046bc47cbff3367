package memcached

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/gocbcore/v9/memd"
)

// ep-engineの管理コマンド
const (
	cmdStopPersistence  = memd.CmdCode(0x80)
	cmdStartPersistence = memd.CmdCode(0x81)
	cmdSetFlushParam    = memd.CmdCode(0x82)
)

// Admin はデータポートへの管理コマンド（stats, flushctl）を発行する
// 呼び出しごとに接続を張り、終わったら閉じる
type Admin struct {
	Timeout time.Duration
}

func (a *Admin) dial(ctx context.Context, addr, bucket string) (*conn, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// default 以外のバケットはバケット名でSASL認証する
	user := ""
	if bucket != "" && bucket != "default" {
		user = bucket
	}
	c := newConn(addr, timeout, user, "")
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return c, nil
}

// roundTrip は1つのリクエストを送り、last が true を返すまでレスポンスを読む
func (c *conn) roundTrip(ctx context.Context, req *memd.Packet, last func(*memd.Packet) bool) ([]*memd.Packet, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetDeadline(deadline)

	c.opaque++
	req.Magic = memd.CmdMagicReq
	req.Opaque = c.opaque
	if err := c.mc.WritePacket(req); err != nil {
		return nil, err
	}

	var out []*memd.Packet
	for {
		resp, _, err := c.mc.ReadPacket()
		if err != nil {
			return out, err
		}
		if resp.Opaque != req.Opaque {
			continue
		}
		if resp.Status != memd.StatusSuccess {
			return out, fmt.Errorf("command 0x%02x: %w 0x%02x", uint8(req.Command), ErrStatus, uint16(resp.Status))
		}
		out = append(out, resp)
		if last(resp) {
			return out, nil
		}
	}
}

func oneResponse(*memd.Packet) bool { return true }

// Stats は stats コマンドの結果を返す（group が空なら全体）
func (a *Admin) Stats(ctx context.Context, addr, bucket, group string) (map[string]string, error) {
	c, err := a.dial(ctx, addr, bucket)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.close() }()

	// 空キーのレスポンスが終端
	resps, err := c.roundTrip(ctx, &memd.Packet{Command: memd.CmdStat, Key: []byte(group)},
		func(p *memd.Packet) bool { return len(p.Key) == 0 })
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", addr, err)
	}
	stats := make(map[string]string, len(resps))
	for _, p := range resps {
		if len(p.Key) > 0 {
			stats[string(p.Key)] = string(p.Value)
		}
	}
	return stats, nil
}

// StopPersistence はディスクへの書き出しを止める
func (a *Admin) StopPersistence(ctx context.Context, addr, bucket string) error {
	return a.command(ctx, addr, bucket, &memd.Packet{Command: cmdStopPersistence})
}

// StartPersistence はディスクへの書き出しを再開する
func (a *Admin) StartPersistence(ctx context.Context, addr, bucket string) error {
	return a.command(ctx, addr, bucket, &memd.Packet{Command: cmdStartPersistence})
}

// SetFlushParam は flushctl set に相当するパラメータ変更を行う
func (a *Admin) SetFlushParam(ctx context.Context, addr, bucket, key, value string) error {
	return a.command(ctx, addr, bucket, &memd.Packet{
		Command: cmdSetFlushParam,
		Key:     []byte(key),
		Value:   []byte(value),
	})
}

func (a *Admin) command(ctx context.Context, addr, bucket string, req *memd.Packet) error {
	c, err := a.dial(ctx, addr, bucket)
	if err != nil {
		return err
	}
	defer func() { _ = c.close() }()

	if _, err := c.roundTrip(ctx, req, oneResponse); err != nil {
		return fmt.Errorf("%s: %w", addr, err)
	}
	return nil
}
