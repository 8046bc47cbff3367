package rest

import (
	"context"
	"fmt"

	"kvperf/internal/mgmt"
)

// FlushControl はノードのディスク書き出しを停止または再開する
func (c *Client) FlushControl(ctx context.Context, server mgmt.Server, bucket string, action mgmt.FlushAction) error {
	switch action {
	case mgmt.FlushStop:
		return c.admin.StopPersistence(ctx, server.DataAddr(), bucket)
	case mgmt.FlushStart:
		return c.admin.StartPersistence(ctx, server.DataAddr(), bucket)
	default:
		return fmt.Errorf("unknown flush action %q", action)
	}
}

// SetFlushParam はノードのフラッシュパラメータを変更する
func (c *Client) SetFlushParam(ctx context.Context, server mgmt.Server, bucket, key, value string) error {
	return c.admin.SetFlushParam(ctx, server.DataAddr(), bucket, key, value)
}

// NodeStats はノードのep-engine統計値を返す
func (c *Client) NodeStats(ctx context.Context, server mgmt.Server, bucket string) (map[string]string, error) {
	return c.admin.Stats(ctx, server.DataAddr(), bucket, "")
}
