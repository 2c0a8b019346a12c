// Package planapi talks to the plan and meta endpoints of a school's API.
package planapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/sw33tLie/plancache/pkg/whttp"
)

// Doer sends one HTTP request. *whttp.Client implements it.
type Doer interface {
	SendHTTPRequest(ctx context.Context, req *whttp.WHTTPReq) (*whttp.WHTTPRes, error)
}

// Fetcher is the network contract used by the fetch coordinator.
type Fetcher interface {
	FetchRevision(ctx context.Context, apiBase, schoolID, date, revision string) (PlanResult, error)
}

var _ Fetcher = (*Client)(nil)

// Client talks to the plan API.
type Client struct {
	http Doer
}

func NewClient(h Doer) *Client {
	return &Client{http: h}
}

// FetchRevision retrieves the plan for date at the given revision. Every
// failure is returned as *NetworkFailure, except context cancellation which
// is returned as the context error.
func (c *Client) FetchRevision(ctx context.Context, apiBase, schoolID, date, revision string) (PlanResult, error) {
	if revision == "" {
		revision = NewestRevision
	}
	base, err := NormalizeAPIBase(apiBase, schoolID)
	if err != nil {
		return PlanResult{}, &NetworkFailure{Message: err.Error(), Err: err}
	}
	params := url.Values{}
	params.Set("date", date)
	params.Set("revision", revision)

	data, err := c.get(ctx, base+"/plan?"+params.Encode())
	if err != nil {
		return PlanResult{}, err
	}

	result := PlanResult{
		Payload:       json.RawMessage(data.Raw),
		RevisionID:    revision,
		IsDefaultPlan: data.Get("is_default_plan").Bool(),
	}
	if revision == NewestRevision {
		if ts := data.Get("info.timestamp").String(); ts != "" {
			result.RevisionID = ts
		}
	}
	return result, nil
}

// FetchMeta retrieves the school calendar.
func (c *Client) FetchMeta(ctx context.Context, apiBase, schoolID string) (Calendar, error) {
	base, err := NormalizeAPIBase(apiBase, schoolID)
	if err != nil {
		return Calendar{}, &NetworkFailure{Message: err.Error(), Err: err}
	}
	data, err := c.get(ctx, base+"/meta")
	if err != nil {
		return Calendar{}, err
	}

	cal := Calendar{
		Revisions:   map[string][]string{},
		ClosestDate: data.Get("date").String(),
	}
	data.Get("dates").ForEach(func(key, value gjson.Result) bool {
		d := key.String()
		cal.EnabledDates = append(cal.EnabledDates, d)
		for _, rev := range value.Array() {
			cal.Revisions[d] = append(cal.Revisions[d], rev.String())
		}
		return true
	})
	for _, fd := range data.Get("meta.free_days").Array() {
		cal.FreeDays = append(cal.FreeDays, fd.String())
	}
	sort.Strings(cal.EnabledDates)
	sort.Strings(cal.FreeDays)
	return cal, nil
}

// get performs the request and unwraps the {success, data, error} envelope.
func (c *Client) get(ctx context.Context, rawURL string) (gjson.Result, error) {
	res, err := c.http.SendHTTPRequest(ctx, &whttp.WHTTPReq{Method: "GET", URL: rawURL})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return gjson.Result{}, err
		}
		return gjson.Result{}, &NetworkFailure{Message: err.Error(), Err: err}
	}

	validJSON := gjson.ValidBytes(res.Body)
	if !res.OK() {
		msg := fmt.Sprintf("server returned status %d", res.StatusCode)
		if validJSON {
			if e := gjson.GetBytes(res.Body, "error").String(); e != "" {
				msg = e
			}
		} else if summary := describeHTML(res); summary != "" {
			msg = summary
		}
		return gjson.Result{}, &NetworkFailure{Message: msg, StatusCode: res.StatusCode}
	}
	if !validJSON {
		msg := "invalid response from server"
		if summary := describeHTML(res); summary != "" {
			msg = summary
		}
		return gjson.Result{}, &NetworkFailure{Message: msg, StatusCode: res.StatusCode}
	}

	envelope := gjson.ParseBytes(res.Body)
	if !envelope.Get("success").Bool() {
		msg := envelope.Get("error").String()
		if msg == "" {
			msg = "request failed"
		}
		return gjson.Result{}, &NetworkFailure{Message: msg, StatusCode: res.StatusCode}
	}
	data := envelope.Get("data")
	if !data.Exists() || data.Type == gjson.Null {
		return gjson.Parse("{}"), nil
	}
	return data, nil
}

// describeHTML turns an HTML error page (proxy errors, login redirects) into
// one line.
func describeHTML(res *whttp.WHTTPRes) string {
	if res.HTTPTitle != "" {
		return res.HTTPTitle
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.BodyString))
	if err != nil {
		return ""
	}
	for _, sel := range []string{"h1", "p"} {
		if text := strings.Join(strings.Fields(doc.Find(sel).First().Text()), " "); text != "" {
			return text
		}
	}
	return ""
}

func isEmptyObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return r.Type == gjson.Null
	}
	empty := true
	r.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}
