package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/wire"
)

// Client defaults. Retries here only smooth over short hiccups; the
// delivery job owns the long-term retry schedule.
const (
	RequestTimeout   = 15 * time.Second
	RetryCount       = 2
	RetryWaitTime    = 100 * time.Millisecond
	RetryWaitTimeMax = 2 * time.Second
)

// Client sends envelopes over HTTP.
//
// Thread-safety: Client is safe for concurrent use.
type Client struct {
	local  string
	http   *resty.Client
	logger *slog.Logger
}

var _ Sender = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. Default is slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the timeout of a single attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithRetries sets the number of immediate retries on 5xx and network errors.
func WithRetries(count int) ClientOption {
	return func(c *Client) {
		c.http.SetRetryCount(count)
	}
}

// NewClient creates a client that sends as node local.
func NewClient(local string, opts ...ClientOption) *Client {
	c := &Client{
		local:  local,
		http:   resty.New(),
		logger: slog.Default(),
	}
	c.http.SetHeader("User-Agent", "circles/"+local)
	c.http.SetTimeout(RequestTimeout)
	c.http.SetRetryCount(RetryCount)
	c.http.SetRetryWaitTime(RetryWaitTime)
	c.http.SetRetryMaxWaitTime(RetryWaitTimeMax)
	c.http.AddRetryCondition(func(response *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		switch response.StatusCode() {
		case
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	})
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetLogger(restyLogger{c.logger})
	return c
}

// Send posts ev to the event endpoint of node.
func (c *Client) Send(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error) {
	return c.postEvent(ctx, node, PathEvent, ev)
}

// Forward posts ev to the forward endpoint of node.
func (c *Client) Forward(ctx context.Context, node remote.Node, ev event.FederatedEvent) (Reply, error) {
	return c.postEvent(ctx, node, PathForward, ev)
}

// DeliverResult posts report to the result endpoint of node.
func (c *Client) DeliverResult(ctx context.Context, node remote.Node, report ResultReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode result report: %w", err)
	}
	_, err = c.post(ctx, node, PathResult, body)
	return err
}

func (c *Client) postEvent(ctx context.Context, node remote.Node, path string, ev event.FederatedEvent) (Reply, error) {
	body, err := event.Export(ev)
	if err != nil {
		return Reply{}, fmt.Errorf("encode envelope: %w", err)
	}
	resp, err := c.post(ctx, node, path, body)
	if err != nil {
		return Reply{}, err
	}
	var reply Reply
	if err := json.Unmarshal(resp.Body(), &reply); err != nil {
		return Reply{}, &Error{Node: node.ID, Status: resp.StatusCode(), Code: CodeMalformed, Err: err}
	}
	if resp.StatusCode() == http.StatusAccepted {
		reply.Accepted = true
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, node remote.Node, path string, body []byte) (*resty.Response, error) {
	if node.Addr == "" {
		return nil, &Error{Node: node.ID, Code: CodeNoAddress, Message: "node has no address"}
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderNode, c.local).
		SetBody(body)
	if node.Secret != "" {
		req.SetHeader(HeaderSignature, wire.Sign(node.Secret, body))
	}

	resp, err := req.Post(strings.TrimRight(node.Addr, "/") + path)
	if err != nil {
		return nil, &Error{Node: node.ID, Code: CodeUnreachable, Err: err}
	}
	if resp.IsError() {
		var eb errorBody
		if json.Unmarshal(resp.Body(), &eb) != nil || eb.Code == "" {
			eb = errorBody{Code: CodeMalformed, Error: strings.TrimSpace(string(resp.Body()))}
		}
		return nil, &Error{Node: node.ID, Status: resp.StatusCode(), Code: eb.Code, Message: eb.Error}
	}
	return resp, nil
}

// restyLogger routes resty's own messages to slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "transport")
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "transport")
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "transport")
}
