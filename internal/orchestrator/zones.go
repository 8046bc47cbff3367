package orchestrator

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/hashicorp/go-multierror"

	"kvperf/internal/events"
	"kvperf/internal/logger"
)

// ZoneName はi番目（0始まり）のサーバーグループ名を返す
func ZoneName(i int) string {
	return fmt.Sprintf("Group %d", i+1)
}

type zoneMove struct {
	from, to string
}

// ShuffleZones はサーバーをゾーンに振り分け（i番目 → i mod zoneCount、先頭は Group 1 のまま）、
// toRemove を外してリバランスし、ゾーン分離を検証する
func (c *Controller) ShuffleZones(ctx context.Context, zoneCount int, toRemove []string) error {
	if zoneCount > 1 {
		if err := c.assignZones(ctx, zoneCount, toRemove); err != nil {
			return err
		}
	}
	if err := c.rebalance(ctx, toRemove); err != nil {
		return err
	}
	if zoneCount > 1 {
		return c.VerifyZones(ctx)
	}
	return nil
}

func (c *Controller) assignZones(ctx context.Context, zoneCount int, toRemove []string) error {
	for i := 1; i < zoneCount; i++ {
		zone := ZoneName(i)
		ok, err := c.api.ZoneExists(ctx, zone)
		if err != nil {
			return fmt.Errorf("zone %q: %w", zone, err)
		}
		if !ok {
			if err := c.api.AddZone(ctx, zone); err != nil {
				return fmt.Errorf("add zone %q: %w", zone, err)
			}
		}
	}

	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}

	moves := make(map[zoneMove][]string)
	var order []zoneMove
	for i, s := range c.rc.Topology.Servers {
		if i == 0 || slices.Contains(toRemove, s.IP) {
			continue
		}
		st, ok := members[s.IP]
		if !ok {
			continue
		}
		want := ZoneName(i % zoneCount)
		if st.Zone == want {
			continue
		}
		m := zoneMove{from: st.Zone, to: want}
		if _, seen := moves[m]; !seen {
			order = append(order, m)
		}
		moves[m] = append(moves[m], s.IP)
	}

	for _, m := range order {
		ips := moves[m]
		if err := c.api.ShuffleNodesInZones(ctx, ips, m.from, m.to); err != nil {
			return fmt.Errorf("move %v from %q to %q: %w", ips, m.from, m.to, err)
		}
		c.bus.Publish(events.New(events.EventZoneShuffle, m.to, events.EventData{Nodes: ips}))
		logger.Info("", "Moved %v to %q", ips, m.to)
	}
	return nil
}

// VerifyZones はレプリカvbucketがアクティブと同じゾーンにないことを確認する
// 使用中のゾーンが1つだけなら検証しない
func (c *Controller) VerifyZones(ctx context.Context) error {
	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}
	zones := make(map[string]bool)
	for _, s := range members {
		if s.Status != "inactiveFailed" {
			zones[s.Zone] = true
		}
	}
	if len(zones) < 2 {
		return nil
	}

	m, err := c.api.VBucketMap(ctx, c.rc.Bucket)
	if err != nil {
		return fmt.Errorf("vbucket map: %w", err)
	}
	zoneOf := func(idx int) (string, string) {
		host, _, err := net.SplitHostPort(m.Servers[idx])
		if err != nil {
			host = m.Servers[idx]
		}
		return host, members[host].Zone
	}

	var violations []ZoneViolation
	for vb, chain := range m.Map {
		if len(chain) == 0 || chain[0] < 0 {
			continue
		}
		active, zone := zoneOf(chain[0])
		for _, idx := range chain[1:] {
			if idx < 0 {
				continue
			}
			replica, rz := zoneOf(idx)
			if rz == zone {
				violations = append(violations, ZoneViolation{VBucket: vb, Active: active, Replica: replica, Zone: zone})
			}
		}
	}
	if len(violations) > 0 {
		return &ZoneViolationError{Violations: violations}
	}
	logger.Info("", "Zone isolation verified across %d zones", len(zones))
	return nil
}

// DeleteZones は Group 2 以降のゾーンのノードを Group 1 に戻してゾーンを削除する
func (c *Controller) DeleteZones(ctx context.Context, zoneCount int) error {
	var result *multierror.Error
	for i := 1; i < zoneCount; i++ {
		zone := ZoneName(i)
		ok, err := c.api.ZoneExists(ctx, zone)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !ok {
			continue
		}
		ips, err := c.api.NodesInZone(ctx, zone)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if len(ips) > 0 {
			if err := c.api.ShuffleNodesInZones(ctx, ips, zone, ZoneName(0)); err != nil {
				result = multierror.Append(result, err)
				continue
			}
		}
		if err := c.api.DeleteZone(ctx, zone); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete zone %q: %w", zone, err))
		}
	}
	return result.ErrorOrNil()
}
