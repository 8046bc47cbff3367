package cluster

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
)

// emitField はmap関数から emit(doc.<field>, ...) のフィールド名を取り出す
var emitField = regexp.MustCompile(`emit\(\s*doc\.(\w+)`)

// GetDesignDoc はデザインドキュメントを返す
func (c *Cluster) GetDesignDoc(_ context.Context, bucketName, name string) (*mgmt.DesignDoc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, err := c.lookupBucket(bucketName)
	if err != nil {
		return nil, err
	}
	d, ok := b.ddocs[name]
	if !ok {
		return nil, fmt.Errorf("design doc %s: %w", name, mgmt.ErrNotFound)
	}
	out := *d
	out.Views = maps.Clone(d.Views)
	return &out, nil
}

// PutDesignDoc はデザインドキュメントを作成または更新する
// 既存ドキュメントの更新には現在の Rev が必要
func (c *Cluster) PutDesignDoc(_ context.Context, bucketName string, doc mgmt.DesignDoc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.lookupBucket(bucketName)
	if err != nil {
		return err
	}
	for name, v := range doc.Views {
		if !emitField.MatchString(v.Map) {
			return fmt.Errorf("view %s: map function must emit a document field", name)
		}
	}

	gen := 1
	if cur, ok := b.ddocs[doc.ID]; ok {
		if doc.Rev != cur.Rev {
			return fmt.Errorf("design doc %s: %w", doc.ID, ErrConflict)
		}
		prev, _, _ := strings.Cut(cur.Rev, "-")
		n, _ := strconv.Atoi(prev)
		gen = n + 1
	}

	stored := doc
	stored.Views = maps.Clone(doc.Views)
	stored.Rev = fmt.Sprintf("%d-%s", gen, strings.ReplaceAll(uuid.NewString(), "-", ""))
	b.ddocs[doc.ID] = &stored
	logger.Info("", "Design doc %s saved (rev %s)", doc.ID, stored.Rev)
	return nil
}

// QueryView はビューを全アクティブvbucketに対して評価する
// reduce が "_count" の場合は件数1行を返す
func (c *Cluster) QueryView(ctx context.Context, bucketName, ddoc, view string, q mgmt.ViewQuery) (*mgmt.ViewResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, err := c.lookupBucket(bucketName)
	if err != nil {
		return nil, err
	}
	d, ok := b.ddocs[ddoc]
	if !ok {
		return nil, fmt.Errorf("design doc %s: %w", ddoc, mgmt.ErrNotFound)
	}
	v, ok := d.Views[view]
	if !ok {
		return nil, fmt.Errorf("view %s/%s: %w", ddoc, view, mgmt.ErrNotFound)
	}
	field := emitField.FindStringSubmatch(v.Map)[1]

	var rows []mgmt.ViewRow
	for vb, chain := range b.vbmap.Map {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if chain[0] < 0 {
			continue
		}
		ip, _, _ := net.SplitHostPort(b.vbmap.Servers[chain[0]])
		c.nodes[ip].ForEach(uint16(vb), func(key string, value []byte) {
			var doc map[string]any
			if json.Unmarshal(value, &doc) != nil {
				return
			}
			k, ok := doc[field]
			if !ok || !inRange(k, q.StartKey, q.EndKey) {
				return
			}
			rows = append(rows, mgmt.ViewRow{ID: key, Key: k})
		})
	}

	total := len(rows)
	if v.Reduce == "_count" {
		return &mgmt.ViewResult{TotalRows: 1, Rows: []mgmt.ViewRow{{Key: nil, Value: total}}}, nil
	}

	slices.SortFunc(rows, func(a, b mgmt.ViewRow) int {
		if r := collate(a.Key, b.Key); r != 0 {
			return r
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return &mgmt.ViewResult{TotalRows: total, Rows: rows}, nil
}

func inRange(k, start, end any) bool {
	if start != nil && collate(k, start) < 0 {
		return false
	}
	if end != nil && collate(k, end) > 0 {
		return false
	}
	return true
}

// collate はビューのキー照合順序（null < bool < 数値 < 文字列）で比較する
func collate(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 1:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case 2:
		return cmp.Compare(number(a), number(b))
	case 3:
		return cmp.Compare(a.(string), b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int64, uint64, uint32, int32:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	case uint32:
		return float64(n)
	}
	return 0
}
