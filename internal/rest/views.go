package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"kvperf/internal/mgmt"
)

type designDocBody struct {
	ID    string               `json:"_id,omitempty"`
	Rev   string               `json:"_rev,omitempty"`
	Views map[string]mgmt.View `json:"views"`
}

// ddocURL はビューAPI上のデザインドキュメントのURLを返す
func (c *Client) ddocURL(bucket, ddoc string) string {
	name := strings.TrimPrefix(ddoc, "_design/")
	return fmt.Sprintf("%s/%s/_design/%s", c.viewBase, url.PathEscape(bucket), url.PathEscape(name))
}

// GetDesignDoc はデザインドキュメントを返す
func (c *Client) GetDesignDoc(ctx context.Context, bucket, name string) (*mgmt.DesignDoc, error) {
	var body designDocBody
	if err := c.request(ctx, http.MethodGet, c.ddocURL(bucket, name), nil, "", &body); err != nil {
		return nil, fmt.Errorf("design doc %s: %w", name, err)
	}
	id := body.ID
	if id == "" {
		id = name
	}
	return &mgmt.DesignDoc{ID: id, Rev: body.Rev, Views: body.Views}, nil
}

// PutDesignDoc はデザインドキュメントを作成または更新する
// 既存ドキュメントの更新には doc.Rev が必要
func (c *Client) PutDesignDoc(ctx context.Context, bucket string, doc mgmt.DesignDoc) error {
	body := designDocBody{Rev: doc.Rev, Views: doc.Views}
	if err := c.sendJSON(ctx, http.MethodPut, c.ddocURL(bucket, doc.ID), body); err != nil {
		return fmt.Errorf("put design doc %s: %w", doc.ID, err)
	}
	return nil
}

// QueryView はビューを問い合わせる
// キーはJSONエンコードして startkey/endkey に渡す
func (c *Client) QueryView(ctx context.Context, bucket, ddoc, view string, q mgmt.ViewQuery) (*mgmt.ViewResult, error) {
	params := url.Values{}
	for name, key := range map[string]any{"startkey": q.StartKey, "endkey": q.EndKey} {
		if key == nil {
			continue
		}
		b, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		params.Set(name, string(b))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Timeout > 0 {
		params.Set("connection_timeout", strconv.FormatInt(q.Timeout.Milliseconds(), 10))
	}

	rawURL := c.ddocURL(bucket, ddoc) + "/_view/" + url.PathEscape(view)
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	var res mgmt.ViewResult
	if err := c.request(ctx, http.MethodGet, rawURL, nil, "", &res); err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", ddoc, view, err)
	}
	return &res, nil
}
