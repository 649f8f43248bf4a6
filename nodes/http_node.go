package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"flowcore"
	"flowcore/flows"
	"flowcore/utils"
)

// HTTPNodeConfig describes how to drive an HTTP request from shared state.
type HTTPNodeConfig struct {
	ID             string
	Method         string
	URL            string
	QueryParams    map[string]string
	Headers        map[string]string
	BodyTemplate   string
	Timeout        time.Duration
	Client         *http.Client
	ResponseKey    string
	StatusKey      string
	ResponseAsJSON bool
}

func DefaultHTTPNodeConfig(id string) HTTPNodeConfig {
	return HTTPNodeConfig{
		ID:             id,
		Method:         http.MethodGet,
		QueryParams:    map[string]string{},
		Headers:        map[string]string{"Content-Type": "application/json"},
		Timeout:        30 * time.Second,
		ResponseKey:    id + "_response",
		StatusKey:      id + "_status",
		ResponseAsJSON: true,
	}
}

// HTTPNode executes a request and writes the response into shared state.
// Server errors (5xx) fail the attempt and are retried; client errors (4xx)
// are permanent.
type HTTPNode struct {
	flows.AsyncNode
	cfg      HTTPNodeConfig
	urlTmpl  *template.Template
	bodyTmpl *template.Template
}

type httpRequest struct {
	url  string
	body []byte
}

type httpResponse struct {
	status  int
	payload []byte
}

// NewHTTPNode builds an HTTPNode from config. URL and body are Go templates
// rendered against shared state.
func NewHTTPNode(cfg HTTPNodeConfig, opts ...flows.NodeOption) (*HTTPNode, error) {
	if cfg.ID == "" {
		return nil, errors.New("http node requires id")
	}
	if cfg.URL == "" {
		return nil, errors.New("http node requires url")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	opts = append([]flows.NodeOption{flows.WithName(cfg.ID)}, opts...)
	node := &HTTPNode{AsyncNode: flows.NewAsyncNode(opts...), cfg: cfg}
	if strings.Contains(cfg.URL, "{{") {
		tmpl, err := template.New(cfg.ID + "-url").Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("compile url template: %w", err)
		}
		node.urlTmpl = tmpl
	}
	if cfg.BodyTemplate != "" {
		tmpl, err := template.New(cfg.ID + "-body").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("compile body template: %w", err)
		}
		node.bodyTmpl = tmpl
	}
	return node, nil
}

func (n *HTTPNode) PrepAsync(_ context.Context, shared flowcore.Shared) (any, error) {
	target, err := n.renderURL(shared)
	if err != nil {
		return nil, err
	}
	var body []byte
	if n.bodyTmpl != nil {
		buf := &bytes.Buffer{}
		if err := n.bodyTmpl.Execute(buf, shared); err != nil {
			return nil, fmt.Errorf("render body: %w", err)
		}
		body = buf.Bytes()
	}
	return httpRequest{url: target, body: body}, nil
}

func (n *HTTPNode) ExecAsync(ctx context.Context, prep any) (any, error) {
	hr := prep.(httpRequest)
	var res httpResponse
	err := utils.WithTimeout(ctx, n.cfg.Timeout, func(ctx context.Context) error {
		var body io.Reader
		if hr.body != nil {
			body = bytes.NewReader(hr.body)
		}
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(n.cfg.Method), hr.url, body)
		if err != nil {
			return flowcore.Permanent(err)
		}
		for key, value := range n.cfg.Headers {
			req.Header.Set(key, value)
		}

		resp, err := n.cfg.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		res = httpResponse{status: resp.StatusCode, payload: payload}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s %s: server returned %d", req.Method, hr.url, resp.StatusCode)
		case resp.StatusCode >= 400:
			return flowcore.Permanent(fmt.Errorf("%s %s: client error %d", req.Method, hr.url, resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (n *HTTPNode) PostAsync(_ context.Context, shared flowcore.Shared, _, exec any) (flowcore.Action, error) {
	res, err := resultAs[httpResponse](n.Name(), exec)
	if err != nil {
		return "", err
	}
	if n.cfg.StatusKey != "" {
		shared[n.cfg.StatusKey] = res.status
	}
	stored := any(string(res.payload))
	if n.cfg.ResponseAsJSON {
		var parsed any
		if err := json.Unmarshal(res.payload, &parsed); err == nil {
			stored = parsed
		}
	}
	if n.cfg.ResponseKey != "" {
		shared[n.cfg.ResponseKey] = stored
	}
	return "", nil
}

func (n *HTTPNode) renderURL(shared flowcore.Shared) (string, error) {
	target := n.cfg.URL
	if n.urlTmpl != nil {
		buf := &strings.Builder{}
		if err := n.urlTmpl.Execute(buf, shared); err != nil {
			return "", fmt.Errorf("render url: %w", err)
		}
		target = buf.String()
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if len(n.cfg.QueryParams) > 0 {
		query := parsed.Query()
		for key, value := range n.cfg.QueryParams {
			query.Set(key, value)
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "http",
		Description: "Executes an HTTP request and stores the response in shared state; 5xx responses are retried.",
		Example:     `nodes.NewHTTPNode(nodes.HTTPNodeConfig{ID: "notify", URL: "https://example.com/event", Method: http.MethodPost, BodyTemplate: "{\"text\": \"{{.message}}\"}"})`,
	})
}
