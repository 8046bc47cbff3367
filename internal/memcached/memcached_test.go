package memcached

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/couchbase/gocbcore/v9/memd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvperf/internal/loadgen"
	"kvperf/internal/mgmt"
	"kvperf/internal/target"
	"kvperf/internal/workload"
)

// fakeServer はテスト用の最小限のmemcachedバイナリプロトコルサーバー
type fakeServer struct {
	ln   net.Listener
	mu   sync.Mutex
	data map[string][]byte
	exp  map[string]uint32
	vbs  map[uint16]int
	auth string

	stopped bool
	params  map[string]string
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{
		ln:   ln,
		data: make(map[string][]byte),
		exp:  make(map[string]uint32),
		vbs:  make(map[uint16]int),

		params: make(map[string]string),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(nc)
		}
	}()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve(nc net.Conn) {
	defer nc.Close()
	mc := memd.NewConn(nc)
	for {
		req, _, err := mc.ReadPacket()
		if err != nil {
			return
		}
		resp := &memd.Packet{
			Magic:   memd.CmdMagicRes,
			Command: req.Command,
			Opaque:  req.Opaque,
			Status:  memd.StatusSuccess,
		}

		if req.Command == memd.CmdStat {
			if err := s.writeStats(mc, req); err != nil {
				return
			}
			continue
		}

		s.mu.Lock()
		s.vbs[req.Vbucket]++
		key := string(req.Key)
		switch req.Command {
		case memd.CmdSASLAuth:
			s.auth = string(req.Value)
		case memd.CmdSet:
			s.data[key] = req.Value
			s.exp[key] = binary.BigEndian.Uint32(req.Extras[4:])
		case memd.CmdGet:
			v, ok := s.data[key]
			if ok {
				resp.Value = v
			} else {
				resp.Status = memd.StatusKeyNotFound
			}
		case memd.CmdDelete:
			if _, ok := s.data[key]; !ok {
				resp.Status = memd.StatusKeyNotFound
			}
			delete(s.data, key)
		case cmdStopPersistence:
			s.stopped = true
		case cmdStartPersistence:
			s.stopped = false
		case cmdSetFlushParam:
			s.params[key] = string(req.Value)
		default:
			resp.Status = memd.StatusUnknownCommand
		}
		s.mu.Unlock()

		if err := mc.WritePacket(resp); err != nil {
			return
		}
	}
}

// writeStats は stats の各項目と空キーの終端を返す
func (s *fakeServer) writeStats(mc *memd.Conn, req *memd.Packet) error {
	s.mu.Lock()
	stats := map[string]string{
		"curr_items":    strconv.Itoa(len(s.data)),
		"ep_queue_size": "0",
	}
	for k, v := range s.params {
		stats["ep_"+k] = v
	}
	s.mu.Unlock()

	for k, v := range stats {
		err := mc.WritePacket(&memd.Packet{
			Magic: memd.CmdMagicRes, Command: memd.CmdStat, Opaque: req.Opaque,
			Key: []byte(k), Value: []byte(v),
		})
		if err != nil {
			return err
		}
	}
	return mc.WritePacket(&memd.Packet{Magic: memd.CmdMagicRes, Command: memd.CmdStat, Opaque: req.Opaque})
}

func TestSingleConnPipeline(t *testing.T) {
	srv := startFakeServer(t)
	d := &Dialer{}

	c, err := d.Dial(context.Background(), target.Endpoint{Family: "memcached-binary", HostPort: srv.addr()}, workload.Config{})
	require.NoError(t, err)
	defer c.Close()

	ops := []loadgen.Op{
		{Kind: loadgen.OpSet, Key: "a", Value: []byte("1"), Expiration: 20},
		{Kind: loadgen.OpSet, Key: "b", Value: []byte("2")},
		{Kind: loadgen.OpGet, Key: "a"},
		{Kind: loadgen.OpGet, Key: "missing"},
		{Kind: loadgen.OpDelete, Key: "b"},
		{Kind: loadgen.OpDelete, Key: "b"},
	}
	res := c.Do(context.Background(), ops)
	require.Len(t, res, len(ops))

	for i := range res {
		assert.NoError(t, res[i].Err, "op %d", i)
	}
	assert.True(t, res[0].Hit)
	assert.True(t, res[2].Hit)
	assert.Equal(t, []byte("1"), res[2].Value)
	assert.False(t, res[3].Hit)
	assert.True(t, res[4].Hit)
	assert.False(t, res[5].Hit)

	srv.mu.Lock()
	assert.Equal(t, uint32(20), srv.exp["a"])
	srv.mu.Unlock()
}

func TestSingleConnAuth(t *testing.T) {
	srv := startFakeServer(t)
	d := &Dialer{}

	c, err := d.Dial(context.Background(), target.Endpoint{
		Family: "memcached-binary", HostPort: srv.addr(), User: "bucket", Password: "secret",
	}, workload.Config{})
	require.NoError(t, err)
	defer c.Close()

	srv.mu.Lock()
	assert.Equal(t, "\x00bucket\x00secret", srv.auth)
	srv.mu.Unlock()
}

func TestDialUnsupported(t *testing.T) {
	_, err := (&Dialer{}).Dial(context.Background(), target.Endpoint{Family: "memcached-ascii", HostPort: "x:1"}, workload.Config{})
	assert.ErrorIs(t, err, loadgen.ErrUnsupportedProtocol)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = (&Dialer{}).Dial(context.Background(), target.Endpoint{Family: "memcached-binary", HostPort: addr}, workload.Config{})
	assert.Error(t, err)
}

type staticMap struct {
	m   *mgmt.VBucketMap
	err error
}

func (s staticMap) VBucketMap(context.Context, string) (*mgmt.VBucketMap, error) {
	return s.m, s.err
}

func TestRoutedConnUsesVBucketMap(t *testing.T) {
	srv0 := startFakeServer(t)
	srv1 := startFakeServer(t)
	vbmap := &mgmt.VBucketMap{
		Servers: []string{srv0.addr(), srv1.addr()},
		Map:     [][]int{{0, 1}, {1, 0}, {-1}},
	}
	d := &Dialer{VBuckets: staticMap{m: vbmap}}

	c, err := d.Dial(context.Background(), target.Endpoint{Family: "membase-binary", HostPort: "10.0.0.1:8091"}, workload.Config{})
	require.NoError(t, err)
	defer c.Close()

	res := c.Do(context.Background(), []loadgen.Op{
		{Kind: loadgen.OpSet, Key: "k0", VBucket: 0, Value: []byte("x")},
		{Kind: loadgen.OpSet, Key: "k1", VBucket: 1, Value: []byte("y")},
		{Kind: loadgen.OpSet, Key: "k2", VBucket: 2, Value: []byte("z")},
	})

	assert.NoError(t, res[0].Err)
	assert.NoError(t, res[1].Err)
	assert.ErrorIs(t, res[2].Err, ErrNoVBucketOwner)

	srv0.mu.Lock()
	assert.Contains(t, srv0.data, "k0")
	assert.NotContains(t, srv0.data, "k1")
	srv0.mu.Unlock()

	srv1.mu.Lock()
	assert.Contains(t, srv1.data, "k1")
	srv1.mu.Unlock()
}

func TestRoutedDialNeedsMap(t *testing.T) {
	ep := target.Endpoint{Family: "membase-binary", HostPort: "10.0.0.1:8091"}
	_, err := (&Dialer{}).Dial(context.Background(), ep, workload.Config{})
	assert.Error(t, err)

	boom := errors.New("rest down")
	_, err = (&Dialer{VBuckets: staticMap{err: boom}}).Dial(context.Background(), ep, workload.Config{})
	assert.ErrorIs(t, err, boom)
}

func TestGeneratorOverMemcached(t *testing.T) {
	srv := startFakeServer(t)
	cfg := workload.LoadDefaults()
	cfg.MaxItems = 300
	cfg.MaxCreates = 300
	cfg.MinValueSize = 32
	cfg.Threads = 2
	cfg.Batch = 25

	ep := target.Endpoint{Family: "memcached-binary", HostPort: srv.addr()}
	state, _, _, err := loadgen.New(&Dialer{}).Run(context.Background(), cfg, workload.RunState{}, ep, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(300), state.Creates)
	assert.Zero(t, state.Errors)
	srv.mu.Lock()
	assert.Len(t, srv.data, 300)
	srv.mu.Unlock()
}
