// Package morph implements provider.SandboxInstance against a commercial
// microVM cloud's REST API, reached through the shared retrying
// transport. Instance ids are shaped "morphvm_<id>"; unlike the
// self-hosted back-end, Pause here preserves RAM state rather than
// stopping the machine.
package morph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/karlorz/cmux-sub003/internal/apibridge"
	"github.com/karlorz/cmux-sub003/internal/provider"
)

const idPrefix = "morphvm_"

func decodeJSON(body []byte, out any) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// IsInstanceID reports whether id has the shape this provider mints,
// used by callers deciding whether a stored instance id still belongs
// to this back-end after a provider migration.
func IsInstanceID(id string) bool {
	return strings.HasPrefix(id, idPrefix)
}

type Client struct {
	http   *apibridge.Client
	apiKey string
}

// New builds a morph client. apiKey is sent as a bearer token on every
// request via Prepare. The key is fixed for the client's lifetime; a
// rotated key needs a new client.
func New(baseURL, apiKey string, logger apibridge.EventLogger) (*Client, error) {
	httpClient, err := apibridge.NewClient(apibridge.Config{
		Component:  "morph",
		BaseURL:    baseURL,
		UserAgent:  "cmux-sandboxd/1.0",
		MaxRetries: 3,
		Logger:     logger,
		Redact:     redactSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("morph: build http client: %w", err)
	}
	return &Client{http: httpClient, apiKey: apiKey}, nil
}

func redactSecret(v string) string {
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func (c *Client) Kind() provider.Kind { return provider.KindMorph }

func (c *Client) authorize(ctx context.Context, attempt int, httpReq *http.Request) error {
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return nil
}

type instanceEnvelope struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Networking struct {
		HTTPServices []struct {
			Name string `json:"name"`
			Port int    `json:"port"`
			URL  string `json:"url"`
		} `json:"http_services"`
	} `json:"networking"`
}

func (e instanceEnvelope) toInstance() provider.Instance {
	inst := provider.Instance{
		ID:       e.ID,
		Status:   provider.Status(strings.ToLower(e.Status)),
		Metadata: e.Metadata,
	}
	for _, svc := range e.Networking.HTTPServices {
		inst.Services = append(inst.Services, provider.HTTPService{Name: svc.Name, Port: svc.Port, URL: svc.URL})
	}
	return inst
}

func (c *Client) Get(ctx context.Context, id string) (provider.Instance, error) {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:  http.MethodGet,
		Path:    "/v1/instance/" + id,
		Prepare: c.authorize,
	})
	if err != nil {
		return provider.Instance{}, fmt.Errorf("morph: get %s: %w", id, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return provider.Instance{}, provider.ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return provider.Instance{}, fmt.Errorf("morph: get %s: unexpected status %d", id, resp.StatusCode)
	}
	var env instanceEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return provider.Instance{}, fmt.Errorf("morph: decode get response: %w", err)
	}
	return env.toInstance(), nil
}

func (c *Client) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	body := map[string]any{
		"snapshot_id": opts.SnapshotID,
		"template_id": opts.TemplateID,
		"metadata":    opts.Metadata,
	}
	if opts.TTL > 0 {
		body["ttl_seconds"] = int(opts.TTL.Seconds())
	}
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:   http.MethodPost,
		Path:     "/v1/instance",
		JSONBody: body,
		Prepare:  c.authorize,
	})
	if err != nil {
		return provider.Instance{}, fmt.Errorf("morph: start: %w", err)
	}
	if resp.StatusCode >= 300 {
		return provider.Instance{}, fmt.Errorf("morph: start: unexpected status %d", resp.StatusCode)
	}
	var env instanceEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return provider.Instance{}, fmt.Errorf("morph: decode start response: %w", err)
	}
	return env.toInstance(), nil
}

type execEnvelope struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func (c *Client) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	body := map[string]any{"command": cmd, "env": opts.Env}
	req := apibridge.Request{
		Method:   http.MethodPost,
		Path:     "/v1/instance/" + id + "/exec",
		JSONBody: body,
		Prepare:  c.authorize,
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return provider.ExecResult{}, fmt.Errorf("morph: exec on %s: %w", id, err)
	}
	if resp.StatusCode >= 300 {
		return provider.ExecResult{}, fmt.Errorf("morph: exec on %s: unexpected status %d", id, resp.StatusCode)
	}
	var env execEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return provider.ExecResult{}, fmt.Errorf("morph: decode exec response: %w", err)
	}
	return provider.ExecResult{Stdout: env.Stdout, Stderr: env.Stderr, ExitCode: env.ExitCode}, nil
}

func (c *Client) ExposeHTTPService(ctx context.Context, id, name string, port int) error {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:   http.MethodPost,
		Path:     "/v1/instance/" + id + "/http-services",
		JSONBody: map[string]any{"name": name, "port": port},
		Prepare:  c.authorize,
	})
	if err != nil {
		return fmt.Errorf("morph: expose %s on %s: %w", name, id, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("morph: expose %s on %s: unexpected status %d", name, id, resp.StatusCode)
	}
	return nil
}

func (c *Client) HideHTTPService(ctx context.Context, id, name string) error {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:  http.MethodDelete,
		Path:    "/v1/instance/" + id + "/http-services/" + name,
		Prepare: c.authorize,
	})
	if err != nil {
		return fmt.Errorf("morph: hide %s on %s: %w", name, id, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("morph: hide %s on %s: unexpected status %d", name, id, resp.StatusCode)
	}
	return nil
}

// Pause suspends the microVM to disk, preserving RAM state; Resume
// restores it. This is the behavior that distinguishes this back-end
// from the self-hosted one, which can only stop and restart fresh.
func (c *Client) Pause(ctx context.Context, id string) error {
	return c.simplePost(ctx, id, "pause")
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.simplePost(ctx, id, "resume")
}

func (c *Client) Stop(ctx context.Context, id string) error {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:  http.MethodDelete,
		Path:    "/v1/instance/" + id,
		Prepare: c.authorize,
	})
	if err != nil {
		return fmt.Errorf("morph: stop %s: %w", id, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("morph: stop %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

func (c *Client) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:   http.MethodPost,
		Path:     "/v1/instance/" + id + "/wake-on-connection",
		JSONBody: map[string]any{"enabled": enabled},
		Prepare:  c.authorize,
	})
	if err != nil {
		return fmt.Errorf("morph: set wake-on-connection for %s: %w", id, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("morph: set wake-on-connection for %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

type snapshotEnvelope struct {
	SnapshotID string `json:"snapshot_id"`
	TemplateID string `json:"template_id"`
}

func (c *Client) Snapshot(ctx context.Context, id string) (string, string, error) {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:  http.MethodPost,
		Path:    "/v1/instance/" + id + "/snapshot",
		Prepare: c.authorize,
	})
	if err != nil {
		return "", "", fmt.Errorf("morph: snapshot %s: %w", id, err)
	}
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("morph: snapshot %s: unexpected status %d", id, resp.StatusCode)
	}
	var env snapshotEnvelope
	if err := decodeJSON(resp.Body, &env); err != nil {
		return "", "", fmt.Errorf("morph: decode snapshot response: %w", err)
	}
	return env.SnapshotID, env.TemplateID, nil
}

func (c *Client) simplePost(ctx context.Context, id, action string) error {
	resp, err := c.http.Do(ctx, apibridge.Request{
		Method:  http.MethodPost,
		Path:    "/v1/instance/" + id + "/" + action,
		Prepare: c.authorize,
	})
	if err != nil {
		return fmt.Errorf("morph: %s %s: %w", action, id, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("morph: %s %s: unexpected status %d", action, id, resp.StatusCode)
	}
	return nil
}


