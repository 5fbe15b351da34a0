// Package registry looks models up in the model registry and fetches their
// artifacts for the predict service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
)

var ErrModelNotFound = errors.New("model not found")

var (
	trainingModelColumns = []string{
		"id", "project", "name", "version", "describe", "path", "framework", "run_id",
		"run_time", "metrics", "md5", "api_type", "pipeline_id",
	}
	inferenceServiceColumns = []string{
		"service_type", "project", "name", "label", "model_name", "model_version", "images",
		"model_path", "volume_mount", "sidecar", "working_dir", "command", "env",
		"resource_memory", "resource_cpu", "resource_gpu", "min_replicas", "max_replicas",
		"ports", "inference_host_url", "hpa", "priority", "canary", "shadow", "health",
		"model_status", "expand", "metrics", "deploy_history", "host", "inference_config",
	}
)

// Record is one row as the registry returns it.
type Record = map[string]interface{}

type Filter struct {
	Col   string `json:"col"`
	Opr   string `json:"opr"`
	Value string `json:"value"`
}

type formData struct {
	Filters []Filter `json:"filters"`
	Columns []string `json:"columns"`
}

// StatusError is any answer other than 200. Redirects are not followed.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

type Client struct {
	Host    string
	Creator string
	HTTP    *http.Client
}

func NewClient(host, creator string) *Client {
	return &Client{
		Host:    strings.TrimRight(host, "/"),
		Creator: creator,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) FindTrainingModel(ctx context.Context, name, version string) (Record, error) {
	return c.first(ctx, "training_model_modelview", formData{
		Filters: []Filter{
			{Col: "name", Opr: "eq", Value: name},
			{Col: "version", Opr: "eq", Value: version},
		},
		Columns: trainingModelColumns,
	})
}

// FindInferenceService filters on status only when it is not empty.
func (c *Client) FindInferenceService(ctx context.Context, name, version, status string) (Record, error) {
	filters := []Filter{
		{Col: "model_name", Opr: "eq", Value: name},
		{Col: "model_version", Opr: "eq", Value: version},
	}
	if status != "" {
		filters = append(filters, Filter{Col: "model_status", Opr: "eq", Value: status})
	}

	return c.first(ctx, "inferenceservice_modelview", formData{Filters: filters, Columns: inferenceServiceColumns})
}

func (c *Client) first(ctx context.Context, view string, form formData) (Record, error) {
	defer func(t time.Time) { log.Debugf("registry %s %v.", view, time.Since(t)) }(time.Now())

	var (
		query []byte
		req   *http.Request
		resp  *http.Response
		body  []byte
		err   error
	)

	if query, err = json.Marshal(form); err != nil {
		return nil, err
	}
	u := c.Host + "/" + view + "/api/?form_data=" + url.QueryEscape(string(query))

	if req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, nil); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.Creator)

	if resp, err = c.HTTP.Do(req); err != nil {
		return nil, fmt.Errorf("registry %s: %w", view, err)
	}
	defer resp.Body.Close()

	if body, err = io.ReadAll(resp.Body); err != nil {
		return nil, fmt.Errorf("registry %s: %w", view, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: u, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Result struct {
			Data []Record `json:"data"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("registry %s: decode: %w", view, err)
	}
	if len(result.Result.Data) == 0 {
		return nil, ErrModelNotFound
	}

	return result.Result.Data[0], nil
}
