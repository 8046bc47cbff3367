package cluster

import (
	"context"
	"fmt"
	"net"
	"slices"
	"time"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/node"
)

// placeVBuckets はvbucketをノードに割り当てる
// 戻り値の値は ips のインデックス。ゾーンが2つ以上ある場合、レプリカは
// アクティブと異なるゾーンのノードにだけ置かれる
func placeVBuckets(num, replicas int, ips []string, zoneOf func(string) string) [][]int {
	zones := make(map[string]bool)
	for _, ip := range ips {
		zones[zoneOf(ip)] = true
	}
	zoned := len(zones) > 1

	out := make([][]int, num)
	n := len(ips)
	for vb := range num {
		chain := make([]int, replicas+1)
		for i := range chain {
			chain[i] = -1
		}
		out[vb] = chain
		if n == 0 {
			continue
		}

		active := vb % n
		chain[0] = active
		shift := vb / n
		r := 1
		for off := 0; off < n && r <= replicas; off++ {
			cand := (active + 1 + shift + off) % n
			if slices.Contains(chain[:r], cand) {
				continue
			}
			if zoned && zoneOf(ips[cand]) == zoneOf(ips[active]) {
				continue
			}
			chain[r] = cand
			r++
		}
	}
	return out
}

func (c *Cluster) rebalanceRunning() bool {
	if c.rebalanceDone == nil {
		return false
	}
	select {
	case <-c.rebalanceDone:
		return false
	default:
		return true
	}
}

// Rebalance は known のうち ejected 以外をメンバーとしてvbucketを再配置する
// フェイルオーバーされたまま再追加されていないノードは自動的に外される
// 再配置はバックグラウンドで進み、MonitorRebalance で完了を待つ
func (c *Cluster) Rebalance(_ context.Context, known, ejected []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rebalanceRunning() {
		return ErrRebalanceRunning
	}

	eject := make(map[string]bool, len(ejected))
	for _, otp := range ejected {
		ip := ipOf(otp)
		if c.member(ip) == nil {
			return fmt.Errorf("ejected node %s is not a cluster member", otp)
		}
		eject[ip] = true
	}
	knownIPs := make(map[string]bool, len(known))
	for _, otp := range known {
		ip := ipOf(otp)
		if c.member(ip) == nil {
			return fmt.Errorf("known node %s is not a cluster member", otp)
		}
		knownIPs[ip] = true
	}

	var keep []*member
	for _, m := range c.members {
		switch {
		case eject[m.ip], !knownIPs[m.ip]:
			eject[m.ip] = true
		case m.state == memberFailed:
			eject[m.ip] = true
		default:
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return fmt.Errorf("rebalance would leave the cluster empty")
	}

	done := make(chan struct{})
	c.rebalanceDone = done
	c.rebalanceErr = nil

	ips := make([]string, len(keep))
	for i, m := range keep {
		ips[i] = m.ip
	}
	logger.Info("", "Rebalance started (members %v, ejected %d)", ips, len(eject))

	if c.bucket == nil {
		c.finishMembership(keep)
		close(done)
		return nil
	}

	b := c.bucket
	servers := slices.Clone(b.vbmap.Servers)
	for _, ip := range ips {
		if !slices.Contains(servers, dataAddr(ip)) {
			servers = append(servers, dataAddr(ip))
		}
	}
	b.vbmap.Servers = servers

	target := placeVBuckets(len(b.vbmap.Map), b.spec.Replicas, ips, c.zoneOf)
	for _, chain := range target {
		for i, idx := range chain {
			if idx >= 0 {
				chain[i] = slices.Index(servers, dataAddr(ips[idx]))
			}
		}
	}

	go c.moveVBuckets(b, keep, target, done)
	return nil
}

func (c *Cluster) finishMembership(keep []*member) {
	for _, m := range keep {
		m.state = memberActive
	}
	c.members = keep
}

func (c *Cluster) fail(done chan struct{}, reason string) {
	c.mu.Lock()
	c.rebalanceErr = &mgmt.RebalanceFailedError{Reason: reason}
	c.mu.Unlock()
	logger.Error("", "Rebalance failed: %s", reason)
	close(done)
}

func (c *Cluster) moveVBuckets(b *bucket, keep []*member, target [][]int, done chan struct{}) {
	c.mu.RLock()
	ctx := c.ctx
	step := c.cfg.RebalanceStep
	c.mu.RUnlock()

	for vb, want := range target {
		select {
		case <-ctx.Done():
			c.fail(done, "cluster stopped")
			return
		default:
		}

		if reason := c.moveVBucket(b, uint16(vb), want); reason != "" {
			c.fail(done, reason)
			return
		}
		if step > 0 {
			time.Sleep(step)
		}
	}

	c.mu.Lock()
	if c.bucket == b {
		c.compactServers(b, keep)
	}
	c.finishMembership(keep)
	c.mu.Unlock()

	logger.Info("", "Rebalance completed")
	close(done)
}

// moveVBucket は1つのvbucketを目標の配置に移す。失敗時は理由を返す
func (c *Cluster) moveVBucket(b *bucket, vb uint16, want []int) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucket != b {
		return "bucket deleted during rebalance"
	}
	have := b.vbmap.Map[vb]
	if slices.Equal(have, want) {
		return ""
	}

	nodeAt := func(idx int) *node.Node {
		ip, _, _ := net.SplitHostPort(b.vbmap.Servers[idx])
		return c.nodes[ip]
	}

	for _, idx := range want {
		if idx < 0 {
			continue
		}
		if n := nodeAt(idx); n.Status() != node.StatusRunning {
			return fmt.Sprintf("node %s is %s", n.ID(), n.Status())
		}
	}

	var data map[string][]byte
	if have[0] >= 0 {
		data = nodeAt(have[0]).ExportVBucket(vb)
	}
	for _, idx := range want {
		if idx >= 0 && !slices.Contains(have, idx) && data != nil {
			nodeAt(idx).ImportVBucket(vb, data)
		}
	}
	for _, idx := range have {
		if idx >= 0 && !slices.Contains(want, idx) {
			nodeAt(idx).DropVBucket(vb)
		}
	}
	b.vbmap.Map[vb] = slices.Clone(want)
	return ""
}

// compactServers はサーバーリストを残ったメンバーだけに詰め直す
func (c *Cluster) compactServers(b *bucket, keep []*member) {
	servers := make([]string, len(keep))
	remap := make(map[int]int, len(keep))
	for i, m := range keep {
		servers[i] = dataAddr(m.ip)
		remap[slices.Index(b.vbmap.Servers, servers[i])] = i
	}
	for _, chain := range b.vbmap.Map {
		for i, idx := range chain {
			if idx < 0 {
				continue
			}
			if to, ok := remap[idx]; ok {
				chain[i] = to
			} else {
				chain[i] = -1
			}
		}
	}
	b.vbmap.Servers = servers
}

// MonitorRebalance は実行中のリバランスの完了を待ち、その結果を返す
func (c *Cluster) MonitorRebalance(ctx context.Context) error {
	c.mu.RLock()
	done := c.rebalanceDone
	c.mu.RUnlock()

	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rebalanceErr
}

// FailoverNode はノードをフェイルオーバーし、そのアクティブvbucketのレプリカを昇格させる
func (c *Cluster) FailoverNode(_ context.Context, otp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ip := ipOf(otp)
	m := c.member(ip)
	if m == nil || m.state != memberActive {
		return fmt.Errorf("node %s is not an active member", otp)
	}
	if len(c.activeIPs()) < 2 {
		return fmt.Errorf("cannot fail over the last active node")
	}
	if c.rebalanceRunning() {
		return ErrRebalanceRunning
	}
	m.state = memberFailed

	if c.bucket != nil {
		failed := slices.Index(c.bucket.vbmap.Servers, dataAddr(ip))
		for vb, chain := range c.bucket.vbmap.Map {
			if !slices.Contains(chain, failed) {
				continue
			}
			promoted := make([]int, 0, len(chain))
			for _, idx := range chain {
				if idx >= 0 && idx != failed {
					promoted = append(promoted, idx)
				}
			}
			for len(promoted) < len(chain) {
				promoted = append(promoted, -1)
			}
			c.bucket.vbmap.Map[vb] = promoted
		}
	}
	logger.Warn(ip, "Node failed over")
	return nil
}

// AddBackNode はフェイルオーバーしたノードを再追加する（フルリカバリ）
func (c *Cluster) AddBackNode(_ context.Context, otp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ip := ipOf(otp)
	m := c.member(ip)
	if m == nil || m.state != memberFailed {
		return fmt.Errorf("node %s is not failed over", otp)
	}
	n := c.nodes[ip]
	for vb := range c.cfg.NumVBuckets {
		n.DropVBucket(uint16(vb))
	}
	m.state = memberPending
	logger.Info(ip, "Node added back")
	return nil
}
