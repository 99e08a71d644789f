package remote

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/matheus3301/carechat/internal/errs"
)

// HTTP talks to a REST backend: GET reads a path, POST writes a child into a
// collection, PATCH merges fields into a record or document.
type HTTP struct {
	base    string
	client  *fasthttp.Client
	timeout time.Duration
}

// NewHTTP returns a REST client rooted at base (e.g. "https://chat.example/v1").
func NewHTTP(base string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		base: strings.TrimRight(base, "/"),
		client: &fasthttp.Client{
			Name:                "carechat",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
		timeout: timeout,
	}
}

type writeResponse struct {
	ID string `json:"id"`
}

func (h *HTTP) Read(ctx context.Context, path string, q Query) ([]Record, error) {
	if err := validPath("remote.read", path); err != nil {
		return nil, err
	}
	var out []Record
	if err := h.do(ctx, "remote.read", fasthttp.MethodGet, path, queryArgs(q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HTTP) Write(ctx context.Context, path string, rec Record) (string, error) {
	if err := validPath("remote.write", path); err != nil {
		return "", err
	}
	var resp writeResponse
	if err := h.do(ctx, "remote.write", fasthttp.MethodPost, path, nil, rec, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errs.Errorf(errs.Decode, "remote.write", "response carries no id")
	}
	return resp.ID, nil
}

func (h *HTTP) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := validPath("remote.update", path); err != nil {
		return err
	}
	return h.do(ctx, "remote.update", fasthttp.MethodPatch, path, nil, fields, nil)
}

// Subscribe is not available over plain REST; use WSStore or a
// PollingSubscriber.
func (h *HTTP) Subscribe(context.Context, string, ChangeFunc) (func(), error) {
	return nil, errs.Errorf(errs.Unavailable, "remote.subscribe", "push subscriptions need the websocket transport")
}

func (h *HTTP) do(ctx context.Context, op, method, path string, args url.Values, body, out any) error {
	if err := ctxErr(ctx, op); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := h.base + "/" + path
	if len(args) > 0 {
		uri += "?" + args.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.E(errs.InvalidArgument, op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(raw)
	}

	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		return errs.E(errs.Network, op, err)
	}

	if err := statusError(op, resp.StatusCode(), resp.Body()); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errs.E(errs.Decode, op, err)
	}
	return nil
}

func statusError(op string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	var kind errs.Kind
	switch {
	case code == fasthttp.StatusUnauthorized, code == fasthttp.StatusForbidden:
		kind = errs.Permission
	case code == fasthttp.StatusNotFound:
		kind = errs.NotFound
	case code == fasthttp.StatusBadRequest, code == fasthttp.StatusUnprocessableEntity:
		kind = errs.InvalidArgument
	case code == fasthttp.StatusTooManyRequests, code >= 500:
		kind = errs.Unavailable
	default:
		kind = errs.Internal
	}
	return errs.Errorf(kind, op, "status %d: %s", code, msg)
}

func queryArgs(q Query) url.Values {
	v := url.Values{}
	if q.OrderBy != "" {
		v.Set("orderBy", q.OrderBy)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Direction != "" {
		v.Set("dir", string(q.Direction))
	}
	if q.Cursor != nil {
		v.Set("cursor", strconv.FormatInt(q.Cursor.Value, 10))
		if q.Cursor.ID != "" {
			v.Set("cursorId", q.Cursor.ID)
		}
	}
	return v
}

// ParseQuery is the inverse of the query string the HTTP client sends.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{
		OrderBy:   v.Get("orderBy"),
		Direction: Direction(v.Get("dir")),
	}
	switch q.Direction {
	case "", Descending, Ascending:
	default:
		return q, errs.Errorf(errs.InvalidArgument, "remote.query", "bad dir %q", q.Direction)
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, errs.Errorf(errs.InvalidArgument, "remote.query", "bad limit %q", s)
		}
		q.Limit = n
	}
	if s := v.Get("cursor"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, errs.Errorf(errs.InvalidArgument, "remote.query", "bad cursor %q", s)
		}
		q.Cursor = &Cursor{Value: n, ID: v.Get("cursorId")}
	}
	return q, nil
}
