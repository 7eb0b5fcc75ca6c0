// Package apiclient talks to a running toughwa server over HTTP and the
// websocket push channel. It implements syncer.Backend.
package apiclient

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/session"
	"github.com/talkincode/toughwa/internal/syncer"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope mirrors the server's JSON responses.
type envelope struct {
	Data    stdjson.RawMessage `json:"data"`
	Error   string             `json:"error"`
	Message string             `json:"message"`
}

type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

var _ syncer.Backend = (*Client)(nil)

func New(base, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: strings.TrimRight(base, "/"), apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

func (c *Client) url(parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.PathEscape(p)
	}
	return c.base + "/api/v1/instances" + strings.TrimRight("/"+strings.Join(esc, "/"), "/")
}

func (c *Client) headers() gout.H {
	h := gout.H{"Accept": "application/json"}
	if c.apiKey != "" {
		h["X-API-Key"] = c.apiKey
	}
	return h
}

// do runs one request and decodes the data member into out.
func (c *Client) do(ctx context.Context, method, target string, body interface{}, out interface{}) error {
	var (
		env  envelope
		code int
	)
	g := gout.New(c.http)
	open := g.GET
	switch method {
	case http.MethodPost:
		open = g.POST
	case http.MethodDelete:
		open = g.DELETE
	}
	flow := open(target).
		WithContext(ctx).
		SetHeader(c.headers()).
		BindJSON(&env).
		Code(&code)
	if body != nil {
		flow.SetJSON(body)
	}
	if err := flow.Do(); err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	if code >= 300 {
		return statusError(code, env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// statusError maps an error response back to the domain sentinels.
func statusError(code int, env envelope) error {
	var base error
	switch {
	case code == http.StatusNotFound:
		base = domain.ErrNotFound
	case env.Error == "RECONNECT_IN_PROGRESS":
		base = domain.ErrReconnectInProgress
	case env.Error == "DUPLICATE_ID":
		base = domain.ErrDuplicateID
	case env.Error == "NOT_CONNECTED":
		base = domain.ErrNotConnected
	case code == http.StatusBadRequest:
		base = domain.ErrInvalidRequest
	default:
		return errors.Errorf("server returned %d: %s %s", code, env.Error, env.Message)
	}
	if env.Message != "" {
		return errors.Wrap(base, env.Message)
	}
	return base
}

func (c *Client) List(ctx context.Context) ([]domain.Instance, error) {
	var out []domain.Instance
	err := c.do(ctx, http.MethodGet, c.url(), nil, &out)
	return out, err
}

func (c *Client) Create(ctx context.Context, req session.CreateRequest) (domain.Instance, error) {
	var out domain.Instance
	err := c.do(ctx, http.MethodPost, c.url(), req, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (domain.Instance, error) {
	var out domain.Instance
	err := c.do(ctx, http.MethodGet, c.url(id), nil, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.url(id), nil, nil)
}

func (c *Client) GetStatus(ctx context.Context, id string) (domain.Instance, error) {
	var out domain.Instance
	err := c.do(ctx, http.MethodGet, c.url(id, "status"), nil, &out)
	return out, err
}

func (c *Client) GetQR(ctx context.Context, id string) (string, error) {
	var out struct {
		QR string `json:"qr"`
	}
	err := c.do(ctx, http.MethodGet, c.url(id, "qr"), nil, &out)
	return out.QR, err
}

func (c *Client) Reconnect(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.url(id, "reconnect"), nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.url(id, "resume"), nil, nil)
}

func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.url(id, "disconnect"), nil, nil)
}

// Send posts a message and returns the engine message id.
func (c *Client) Send(ctx context.Context, id string, req session.SendRequest) (string, error) {
	var out struct {
		MessageID string `json:"message_id"`
	}
	err := c.do(ctx, http.MethodPost, c.url(id, "messages"), req, &out)
	return out.MessageID, err
}

// Watch streams the push channel of id into fn until ctx is done or the
// server closes the connection.
func (c *Client) Watch(ctx context.Context, id string, fn func(domain.Event)) error {
	u, err := url.Parse(c.url(id, "events"))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return domain.ErrNotFound
		}
		return errors.Wrap(err, "dial events")
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errors.Wrap(err, "read events")
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			zap.L().Warn("apiclient: bad event frame", zap.String("instance_id", id), zap.Error(err))
			continue
		}
		fn(evt)
	}
}
