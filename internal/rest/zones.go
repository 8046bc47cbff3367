package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
)

type groupNode struct {
	OTPNode  string `json:"otpNode"`
	Hostname string `json:"hostname,omitempty"`
}

type serverGroup struct {
	Name  string      `json:"name"`
	URI   string      `json:"uri"`
	Nodes []groupNode `json:"nodes"`
}

type serverGroups struct {
	Groups []serverGroup `json:"groups"`
	// URI はリビジョン付きの更新先 (/pools/default/serverGroups?rev=N)
	URI string `json:"uri,omitempty"`
}

func (c *Client) serverGroups(ctx context.Context) (*serverGroups, error) {
	var g serverGroups
	if err := c.get(ctx, "/pools/default/serverGroups", &g); err != nil {
		return nil, unsupported("server groups", err)
	}
	return &g, nil
}

func (g *serverGroups) find(name string) *serverGroup {
	for i := range g.Groups {
		if g.Groups[i].Name == name {
			return &g.Groups[i]
		}
	}
	return nil
}

// ZoneExists はサーバーグループが存在するかを返す
func (c *Client) ZoneExists(ctx context.Context, zone string) (bool, error) {
	g, err := c.serverGroups(ctx)
	if err != nil {
		return false, err
	}
	return g.find(zone) != nil, nil
}

// AddZone はサーバーグループを作成する
func (c *Client) AddZone(ctx context.Context, zone string) error {
	if err := c.postForm(ctx, "/pools/default/serverGroups", url.Values{"name": {zone}}); err != nil {
		return fmt.Errorf("add zone %q: %w", zone, err)
	}
	logger.Info(c.ip, "Zone %q created", zone)
	return nil
}

// DeleteZone は空のサーバーグループを削除する
func (c *Client) DeleteZone(ctx context.Context, zone string) error {
	g, err := c.serverGroups(ctx)
	if err != nil {
		return err
	}
	sg := g.find(zone)
	if sg == nil {
		return fmt.Errorf("zone %q: %w", zone, mgmt.ErrNotFound)
	}
	if err := c.request(ctx, http.MethodDelete, c.base+sg.URI, nil, "", nil); err != nil {
		return fmt.Errorf("delete zone %q: %w", zone, err)
	}
	logger.Info(c.ip, "Zone %q deleted", zone)
	return nil
}

// NodesInZone はグループに属するノードのIPを返す
func (c *Client) NodesInZone(ctx context.Context, zone string) ([]string, error) {
	g, err := c.serverGroups(ctx)
	if err != nil {
		return nil, err
	}
	sg := g.find(zone)
	if sg == nil {
		return nil, fmt.Errorf("zone %q: %w", zone, mgmt.ErrNotFound)
	}
	out := make([]string, 0, len(sg.Nodes))
	for _, n := range sg.Nodes {
		out = append(out, hostOf(n.Hostname))
	}
	return out, nil
}

// ShuffleNodesInZones はノードを from から to へ移し、全グループ構成をまとめて送る
func (c *Client) ShuffleNodesInZones(ctx context.Context, ips []string, from, to string) error {
	g, err := c.serverGroups(ctx)
	if err != nil {
		return err
	}
	src, dst := g.find(from), g.find(to)
	if src == nil {
		return fmt.Errorf("zone %q: %w", from, mgmt.ErrNotFound)
	}
	if dst == nil {
		return fmt.Errorf("zone %q: %w", to, mgmt.ErrNotFound)
	}

	for _, ip := range ips {
		i := slices.IndexFunc(src.Nodes, func(n groupNode) bool { return hostOf(n.Hostname) == ip })
		if i < 0 {
			return fmt.Errorf("node %s is not in zone %q", ip, from)
		}
		dst.Nodes = append(dst.Nodes, src.Nodes[i])
		src.Nodes = slices.Delete(src.Nodes, i, i+1)
	}

	// 更新は名前とURIとotpNodeだけを送る
	update := serverGroups{Groups: make([]serverGroup, 0, len(g.Groups))}
	for _, sg := range g.Groups {
		nodes := make([]groupNode, 0, len(sg.Nodes))
		for _, n := range sg.Nodes {
			nodes = append(nodes, groupNode{OTPNode: n.OTPNode})
		}
		update.Groups = append(update.Groups, serverGroup{Name: sg.Name, URI: sg.URI, Nodes: nodes})
	}
	if err := c.sendJSON(ctx, http.MethodPut, c.base+g.URI, update); err != nil {
		return fmt.Errorf("move %v from %q to %q: %w", ips, from, to, err)
	}
	logger.Info(c.ip, "Moved %v from %q to %q", ips, from, to)
	return nil
}
