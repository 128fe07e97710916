// Copyright 2023 SPPMon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sppmontools/sppmon/influx/schema"
)

// PageRequest describes one paginated fetch.
type PageRequest struct {
	// Endpoint is a path under the server base URL, or a full URI.
	Endpoint string
	Params   url.Values
	// Method overrides the default GET. A POST carries Body as JSON on
	// every page request, including retries and followed next-page links.
	Method string
	Body   map[string]any
	// ArrayName selects the key holding the item array; empty treats the
	// whole body as a single item.
	ArrayName string
	// AllowList keeps only the named keys per item. Dotted names reach one
	// level into nested objects and surface the leaf under its last
	// segment. Empty keeps everything.
	AllowList []string
	// IgnoreList drops the named keys per item.
	IgnoreList []string
	// AddTimeStamp stamps each item with the capture time in seconds.
	AddTimeStamp bool
}

// TimeoutError reports page-size retry exhaustion. It carries the page
// size and start index of the failing request so an operator can replay
// it by hand.
type TimeoutError struct {
	Endpoint       string
	PageSize       int
	PageStartIndex string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after retries (pageSize=%d, pageStartIndex=%s)",
		e.Endpoint, e.PageSize, e.PageStartIndex)
}

// GetObjects fetches every page of an endpoint, following the
// links.nextPage.href chain, and returns the filtered items. The page
// size adapts between requests: pages that come back much faster than the
// preferred send time grow it, slow pages and timeouts shrink it.
func (c *Client) GetObjects(ctx context.Context, req PageRequest) ([]map[string]any, error) {
	pageURL, err := c.firstPageURL(req)
	if err != nil {
		return nil, err
	}
	var results []map[string]any
	captured := c.now()
	for pageURL != "" {
		body, sendTime, err := c.fetchPage(ctx, req, pageURL)
		if err != nil {
			return results, err
		}
		items, err := extractItems(body, req.ArrayName)
		if err != nil {
			return results, fmt.Errorf("page of %s: %w", req.Endpoint, err)
		}
		for _, item := range items {
			filtered := filterItem(item, req.AllowList, req.IgnoreList)
			if req.AddTimeStamp {
				filtered[schema.CaptureTimeKey] = captured.Unix()
			}
			results = append(results, filtered)
		}
		c.recordPageMetric(ctx, req, sendTime, len(items))
		c.adjustPageSize(sendTime, len(items) >= c.pageSize)
		pageURL = c.nextPageURL(body)
	}
	return results, nil
}

func (c *Client) firstPageURL(req PageRequest) (string, error) {
	raw := req.Endpoint
	if !strings.HasPrefix(raw, "http") {
		raw = c.baseURL + "/" + strings.TrimPrefix(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad endpoint %q: %w", req.Endpoint, err)
	}
	params := u.Query()
	for key, values := range req.Params {
		params[key] = values
	}
	if params.Get("pageSize") == "" {
		params.Set("pageSize", strconv.Itoa(c.pageSize))
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// nextPageURL follows the HATEOAS chain, overriding the embedded page
// size with the current adapted one.
func (c *Client) nextPageURL(body map[string]any) string {
	links, _ := body["links"].(map[string]any)
	next, _ := links["nextPage"].(map[string]any)
	href, _ := next["href"].(string)
	if href == "" {
		return ""
	}
	return withPageSize(href, c.pageSize)
}

// fetchPage issues one page request with the timeout retry ladder: each
// timeout shrinks the page size, the last allowed retry drops to the
// minimum, and a timeout at the minimum gives up.
func (c *Client) fetchPage(ctx context.Context, req PageRequest, pageURL string) (map[string]any, time.Duration, error) {
	for attempt := 0; ; attempt++ {
		body, sendTime, err := c.do(ctx, req.method(), pageURL, req.Body)
		if err == nil {
			return body, sendTime, nil
		}
		if !isTimeout(err) {
			return nil, sendTime, err
		}
		if attempt >= c.profile.MaxSendRetries || c.pageSize <= c.profile.MinPageSize {
			return nil, sendTime, &TimeoutError{
				Endpoint:       req.Endpoint,
				PageSize:       c.pageSize,
				PageStartIndex: pageStartIndex(pageURL),
			}
		}
		if attempt == c.profile.MaxSendRetries-1 {
			c.pageSize = c.profile.MinPageSize
		} else {
			c.pageSize = c.shrinkPageSize()
		}
		c.log.Warnf("request to %s timed out, retrying with page size %d", req.Endpoint, c.pageSize)
		pageURL = withPageSize(pageURL, c.pageSize)
	}
}

// shrinkPageSize moves the page size toward the minimum by the profile's
// reduction factor. With the defaults 200 becomes 63.
func (c *Client) shrinkPageSize() int {
	size := float64(c.pageSize)
	min := float64(c.profile.MinPageSize)
	return int(size - (size-min)*c.profile.TimeoutReduction)
}

// adjustPageSize rescales the page size when the send time strayed from
// the preferred one by more than the allowed delta. Slow pages always
// shrink; fast pages only grow when the page was full, a short page says
// nothing about server speed.
func (c *Client) adjustPageSize(sendTime time.Duration, full bool) {
	preferred := c.profile.PreferredSendTime.Seconds()
	send := sendTime.Seconds()
	if send <= 0 {
		send = 0.001
	}
	if math.Abs(send-preferred)/preferred <= c.profile.AllowedSendDelta {
		return
	}
	if send < preferred && !full {
		return
	}
	newSize := float64(c.pageSize) / (send / preferred)
	lower := float64(c.profile.MinPageSize + 5)
	upper := c.profile.MaxScalingFactor * float64(c.pageSize+5)
	newSize = math.Max(lower, math.Min(upper, newSize))
	if int(newSize) != c.pageSize {
		c.log.Debugf("page size %d -> %d after %.1fs send", c.pageSize, int(newSize), send)
		c.pageSize = int(newSize)
	}
}

func (r PageRequest) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (c *Client) recordPageMetric(ctx context.Context, req PageRequest, sendTime time.Duration, itemCount int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordMetric(ctx, map[string]any{
		"keyword":     req.method(),
		"endpoint":    req.Endpoint,
		"duration_ms": float64(sendTime.Milliseconds()),
		"itemCount":   itemCount,
	})
}

func extractItems(body map[string]any, arrayName string) ([]map[string]any, error) {
	if arrayName == "" {
		return []map[string]any{body}, nil
	}
	raw, ok := body[arrayName]
	if !ok {
		return nil, fmt.Errorf("response is missing array %q", arrayName)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("response key %q is not an array", arrayName)
	}
	items := make([]map[string]any, 0, len(list))
	for _, entry := range list {
		if item, ok := entry.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func filterItem(item map[string]any, allow, ignore []string) map[string]any {
	var filtered map[string]any
	if len(allow) == 0 {
		filtered = make(map[string]any, len(item))
		for key, value := range item {
			filtered[key] = value
		}
	} else {
		filtered = make(map[string]any, len(allow))
		for _, name := range allow {
			if value, ok := lookupPath(item, name); ok {
				filtered[leafName(name)] = value
			}
		}
	}
	for _, name := range ignore {
		delete(filtered, name)
	}
	return filtered
}

func lookupPath(item map[string]any, name string) (any, bool) {
	head, rest, nested := strings.Cut(name, ".")
	value, ok := item[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return value, true
	}
	inner, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(inner, rest)
}

func leafName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

func withPageSize(rawURL string, pageSize int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	params := u.Query()
	params.Set("pageSize", strconv.Itoa(pageSize))
	u.RawQuery = params.Encode()
	return u.String()
}

func pageStartIndex(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("pageStartIndex")
}
