package ctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.Status, e.Message)
}

// Partition mirrors an entry of GET /admin/partitions.
type Partition struct {
	ID                  int    `json:"id"`
	Paused              bool   `json:"paused"`
	LastPosition        uint64 `json:"lastPosition"`
	LastAppliedPosition uint64 `json:"lastAppliedPosition"`
}

// OperationPage is one page of a batch operation listing.
type OperationPage struct {
	BatchOperations []state.PersistedBatchOperation `json:"batchOperations"`
	Next            int64                           `json:"next,omitempty"`
}

// Client talks to the admin API of a running server.
type Client struct {
	base    string
	apiKey  string
	timeout time.Duration
	http    *fasthttp.Client
}

func NewClient(base, apiKey string) *Client {
	return &Client{
		base:    strings.TrimRight(base, "/"),
		apiKey:  apiKey,
		timeout: defaultTimeout,
		http:    &fasthttp.Client{Name: "batchopsctl"},
	}
}

func (c *Client) Partitions() ([]Partition, error) {
	var out struct {
		Partitions []Partition `json:"partitions"`
	}
	err := c.do(fasthttp.MethodGet, "/admin/partitions", nil, &out)
	return out.Partitions, err
}

func (c *Client) PausePartition(partition int) error {
	return c.do(fasthttp.MethodPost, fmt.Sprintf("/admin/partitions/%d/pause", partition), nil, nil)
}

func (c *Client) ResumePartition(partition int) error {
	return c.do(fasthttp.MethodPost, fmt.Sprintf("/admin/partitions/%d/resume", partition), nil, nil)
}

func (c *Client) ListBatchOperations(partition int, after int64, limit int) (OperationPage, error) {
	var page OperationPage
	path := fmt.Sprintf("/admin/partitions/%d/batch-operations?after=%d&limit=%d", partition, after, limit)
	err := c.do(fasthttp.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) GetBatchOperation(partition int, key int64) (state.PersistedBatchOperation, error) {
	var op state.PersistedBatchOperation
	err := c.do(fasthttp.MethodGet, operationPath(partition, key, ""), nil, &op)
	return op, err
}

func (c *Client) Chunks(partition int, key int64) ([][]protocol.Item, error) {
	var out struct {
		Chunks [][]protocol.Item `json:"chunks"`
	}
	err := c.do(fasthttp.MethodGet, operationPath(partition, key, "chunks"), nil, &out)
	return out.Chunks, err
}

func (c *Client) CreateBatchOperation(partition int, opType protocol.BatchOperationType, filter protocol.Filter) (int64, error) {
	body := map[string]interface{}{"type": opType, "filter": filter}
	var out struct {
		Key int64 `json:"key"`
	}
	err := c.do(fasthttp.MethodPost, fmt.Sprintf("/admin/partitions/%d/batch-operations", partition), body, &out)
	return out.Key, err
}

// Lifecycle posts suspend, resume or complete and returns the updated
// operation.
func (c *Client) Lifecycle(partition int, key int64, action string) (state.PersistedBatchOperation, error) {
	var op state.PersistedBatchOperation
	err := c.do(fasthttp.MethodPost, operationPath(partition, key, action), nil, &op)
	return op, err
}

func (c *Client) IndexProcessInstances(pis []search.ProcessInstance) (int, error) {
	return c.index("/admin/index/process-instances", pis)
}

func (c *Client) IndexIncidents(incs []search.Incident) (int, error) {
	return c.index("/admin/index/incidents", incs)
}

func (c *Client) index(path string, body interface{}) (int, error) {
	var out struct {
		Indexed int `json:"indexed"`
	}
	err := c.do(fasthttp.MethodPost, path, body, &out)
	return out.Indexed, err
}

func (c *Client) do(method, path string, body, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	status := resp.StatusCode()
	if status < 200 || status > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(resp.Body(), &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(resp.Body()))
		}
		return &APIError{Status: status, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

func operationPath(partition int, key int64, action string) string {
	p := fmt.Sprintf("/admin/partitions/%d/batch-operations/%d", partition, key)
	if action != "" {
		p += "/" + action
	}
	return p
}
