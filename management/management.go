// Package management talks to the RabbitMQ management HTTP api. It never
// touches the amqp connection used by producers and consumers.
package management

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPeekCount = 50
	peekTruncate     = 50000
)

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration

	// HTTPClient replaces the default client, Timeout is ignored then.
	HTTPClient *http.Client
}

// UnavailableError is returned for transport failures (StatusCode 0) and
// non 2xx answers.
type UnavailableError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("management api %s %s: %v", e.Method, e.URL, e.Err)
	}

	return fmt.Sprintf("management api %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// DecodeError is returned when a 2xx body does not match the expected shape.
type DecodeError struct {
	Method string
	URL    string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Client is safe for concurrent use, every call is an independent request.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)) + "/api/",
		username: opts.Username,
		password: opts.Password,
		http:     hc,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type Record = map[string]interface{}

type MessageStats struct {
	Ack          int64 `json:"ack"`
	Deliver      int64 `json:"deliver"`
	DeliverGet   int64 `json:"deliver_get"`
	DeliverNoAck int64 `json:"deliver_no_ack"`
	Get          int64 `json:"get"`
	GetNoAck     int64 `json:"get_no_ack"`
	Redeliver    int64 `json:"redeliver"`
}

type QueueStat struct {
	Name       string  `json:"name"`
	AutoDelete bool    `json:"auto_delete"`
	Consumers  int     `json:"consumers"`
	Durable    bool    `json:"durable"`
	MemoryMB   float64 `json:"memory"`
	State      string  `json:"state"`
	Vhost      string  `json:"vhost"`
	// Reductions is the erlang reduction counter, a rough throughput figure.
	Reductions int64 `json:"reductions"`
	// MessageStats is nil until the queue saw any traffic.
	MessageStats *MessageStats `json:"message_stats,omitempty"`
}

type PeekedMessage struct {
	Payload         string                 `json:"payload"`
	PayloadBytes    int                    `json:"payload_bytes"`
	PayloadEncoding string                 `json:"payload_encoding"`
	RoutingKey      string                 `json:"routing_key"`
	Exchange        string                 `json:"exchange"`
	Redelivered     bool                   `json:"redelivered"`
	MessageCount    int                    `json:"message_count"`
	Properties      map[string]interface{} `json:"properties"`
}

func (c *Client) ListQueues(ctx context.Context) ([]QueueStat, error) {
	var raw []struct {
		Name         string        `json:"name"`
		AutoDelete   bool          `json:"auto_delete"`
		Consumers    int           `json:"consumers"`
		Durable      bool          `json:"durable"`
		Memory       int64         `json:"memory"`
		State        string        `json:"state"`
		Vhost        string        `json:"vhost"`
		Reductions   int64         `json:"reductions"`
		MessageStats *MessageStats `json:"message_stats"`
	}
	if err := c.getJSON(ctx, "queues", &raw); err != nil {
		return nil, err
	}

	stats := make([]QueueStat, 0, len(raw))
	for _, q := range raw {
		stats = append(stats, QueueStat{
			Name:         q.Name,
			AutoDelete:   q.AutoDelete,
			Consumers:    q.Consumers,
			Durable:      q.Durable,
			MemoryMB:     float64(q.Memory) / 1024 / 1024,
			State:        q.State,
			Vhost:        q.Vhost,
			Reductions:   q.Reductions,
			MessageStats: q.MessageStats,
		})
	}

	return stats, nil
}

// PeekMessages fetches up to count messages and lets the broker requeue
// them, so the queue depth does not change. Requeued messages lose their
// position relative to concurrent consumers: use it for diagnostics only.
func (c *Client) PeekMessages(ctx context.Context, vhost, queue string, count int) ([]PeekedMessage, error) {
	if count <= 0 {
		count = DefaultPeekCount
	}
	body, err := json.Marshal(map[string]interface{}{
		"count":    count,
		"ackmode":  "ack_requeue_true",
		"encoding": "auto",
		"truncate": peekTruncate,
	})
	if err != nil {
		return nil, err
	}

	var messages []PeekedMessage
	if _, err = c.do(ctx, http.MethodPost, queuePath(vhost, queue)+"/get", body, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}

// QueueDepth returns the number of messages in the queue, or -1 when the
// queue does not exist yet. -1 means unknown, not empty.
func (c *Client) QueueDepth(ctx context.Context, vhost, queue string) (int, error) {
	var q struct {
		Messages           *int `json:"messages"`
		BackingQueueStatus *struct {
			Len *int `json:"len"`
		} `json:"backing_queue_status"`
	}

	status, err := c.do(ctx, http.MethodGet, queuePath(vhost, queue), nil, &q)
	if status == http.StatusNotFound {
		log.Debugf("queue %s in vhost %s not declared yet", queue, vhost)
		return -1, nil
	}
	if err != nil {
		return 0, err
	}

	switch {
	case q.BackingQueueStatus != nil && q.BackingQueueStatus.Len != nil:
		return *q.BackingQueueStatus.Len, nil
	case q.Messages != nil:
		return *q.Messages, nil
	default:
		return 0, nil
	}
}

func (c *Client) ListNodes(ctx context.Context) ([]Record, error) {
	return c.list(ctx, "nodes")
}

func (c *Client) ListExchanges(ctx context.Context) ([]Record, error) {
	return c.list(ctx, "exchanges")
}

func (c *Client) ListChannels(ctx context.Context) ([]Record, error) {
	return c.list(ctx, "channels")
}

func (c *Client) ListUsers(ctx context.Context) ([]Record, error) {
	return c.list(ctx, "users")
}

func (c *Client) list(ctx context.Context, path string) ([]Record, error) {
	var records []Record
	if err := c.getJSON(ctx, path, &records); err != nil {
		return nil, err
	}

	return records, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	_, err := c.do(ctx, http.MethodGet, path, nil, out)
	return err
}

// do sends the request and decodes a 2xx body into out. The status code is
// returned even when err is set.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	defer func(t time.Time) { log.Debugf("management %s %s %v.", method, path, time.Since(t)) }(time.Now())

	var (
		req  *http.Request
		resp *http.Response
		data []byte
		err  error
		u    = c.baseURL + path
	)

	if req, err = http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body)); err != nil {
		return 0, &UnavailableError{Method: method, URL: u, Err: err}
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if resp, err = c.http.Do(req); err != nil {
		return 0, &UnavailableError{Method: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if data, err = io.ReadAll(resp.Body); err != nil {
		return resp.StatusCode, &UnavailableError{Method: method, URL: u, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &UnavailableError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err = json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, &DecodeError{Method: method, URL: u, Err: err}
		}
	}

	return resp.StatusCode, nil
}

func queuePath(vhost, queue string) string {
	if vhost == "" {
		vhost = "/"
	}
	return "queues/" + url.PathEscape(vhost) + "/" + url.PathEscape(queue)
}
