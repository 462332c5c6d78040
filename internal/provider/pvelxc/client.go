// Package pvelxc implements the self-hosted back-end of provider.SandboxInstance
// against the Docker Engine API, treating each sandbox as a long-lived
// container on a single operator-owned host. Instance ids are shaped
// "pvelxc-<container-name>".
package pvelxc

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/karlorz/cmux-sub003/internal/provider"
)

const idPrefix = "pvelxc-"

// Client is the self-hosted back-end's SandboxInstance implementation.
// Node is carried for labelling only; this back-end is single-host.
type Client struct {
	api  *client.Client
	node string
	seq  atomic.Uint64 // monotonic counter for snapshot tag suffixes
}

func New(node string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("pvelxc: connect to docker host: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("pvelxc: ping docker host: %w", err)
	}
	return &Client{api: cli, node: node}, nil
}

func (c *Client) Kind() provider.Kind { return provider.KindPveLXC }

func containerName(instanceID string) string {
	return strings.TrimPrefix(instanceID, idPrefix)
}

func toInstanceID(containerName string) string {
	return idPrefix + containerName
}

func (c *Client) Get(ctx context.Context, id string) (provider.Instance, error) {
	info, err := c.api.ContainerInspect(ctx, containerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.Instance{}, provider.ErrNotFound
		}
		return provider.Instance{}, fmt.Errorf("pvelxc: inspect %s: %w", id, err)
	}
	return c.toInstance(id, info), nil
}

func (c *Client) toInstance(id string, info dockertypes.ContainerJSON) provider.Instance {
	status := provider.StatusUnknown
	switch {
	case info.State == nil:
	case info.State.Running && info.State.Paused:
		status = provider.StatusPaused
	case info.State.Running:
		status = provider.StatusRunning
	case info.State.Status == "exited", info.State.Status == "created":
		status = provider.StatusPaused
	}

	var services []provider.HTTPService
	if info.NetworkSettings != nil {
		for portKey, name := range reservedPortNames() {
			binding, ok := hostBinding(info.NetworkSettings.Ports, portKey)
			if !ok {
				continue
			}
			services = append(services, provider.HTTPService{
				Name: name,
				Port: portKey,
				URL:  fmt.Sprintf("http://127.0.0.1:%s", binding),
			})
		}
	}

	meta := map[string]string{"node": c.node}
	for k, v := range info.Config.Labels {
		meta[k] = v
	}
	return provider.Instance{ID: id, Status: status, Metadata: meta, Services: services}
}

func reservedPortNames() map[int]string {
	return map[int]string{
		provider.PortCodeEditor:        "code-editor",
		provider.PortWorker:            "worker",
		provider.PortVNC:               "vnc",
		provider.PortXterm:             "xterm",
		provider.PortBrowserAutomation: "browser-automation",
	}
}

func hostBinding(ports nat.PortMap, containerPort int) (string, bool) {
	key := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	bindings, ok := ports[key]
	if !ok || len(bindings) == 0 {
		return "", false
	}
	for _, b := range bindings {
		if strings.TrimSpace(b.HostPort) != "" {
			return b.HostPort, true
		}
	}
	return "", false
}

// Start creates and starts a new container backing a sandbox. It does
// not reuse an existing container: if one with the requested name
// already exists, the create call fails and Start returns that error.
// The snapshot/template id, when set, names
// the Docker image to run; a bare TemplateID with no SnapshotID starts a
// fresh environment from its base image.
func (c *Client) Start(ctx context.Context, opts provider.StartOptions) (provider.Instance, error) {
	image := opts.TemplateID
	if opts.SnapshotID != "" {
		image = opts.SnapshotID
	}
	if image == "" {
		return provider.Instance{}, fmt.Errorf("pvelxc: start requires a template or snapshot image")
	}
	name := fmt.Sprintf("cmux-%s", uuid.NewString())
	if existing, ok := opts.Metadata["containerName"]; ok && existing != "" {
		name = existing
	}

	exposed, bindings := reservedPortBindings()
	resp, err := c.api.ContainerCreate(ctx, &container.Config{
		Image:        image,
		Labels:       opts.Metadata,
		ExposedPorts: exposed,
	}, &container.HostConfig{
		PortBindings: bindings,
		AutoRemove:   false,
	}, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return provider.Instance{}, fmt.Errorf("pvelxc: create container: %w", err)
	}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return provider.Instance{}, fmt.Errorf("pvelxc: start container: %w", err)
	}
	id := toInstanceID(name)
	return c.Get(ctx, id)
}

func reservedPortBindings() (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for port := range reservedPortNames() {
		key := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[key] = struct{}{}
		bindings[key] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}
	return exposed, bindings
}

func (c *Client) Exec(ctx context.Context, id string, cmd []string, opts provider.ExecOptions) (provider.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cname := containerName(id)
	execResp, err := c.api.ContainerExecCreate(ctx, cname, dockertypes.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          opts.Env,
	})
	if err != nil {
		return provider.ExecResult{}, fmt.Errorf("pvelxc: exec create: %w", err)
	}
	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, dockertypes.ExecStartCheck{})
	if err != nil {
		return provider.ExecResult{}, fmt.Errorf("pvelxc: exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return provider.ExecResult{}, fmt.Errorf("pvelxc: demux exec stream: %w", err)
	}
	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return provider.ExecResult{}, fmt.Errorf("pvelxc: exec inspect: %w", err)
	}
	return provider.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// ExposeHTTPService and HideHTTPService only confirm the instance still
// exists on this back-end: the five reserved ports are already bound by
// Start, so those are reachable with no further action. A user-defined
// "port-N" service beyond the reserved set is NOT actually bound here —
// that would require stopping and re-creating the container with a new
// port binding, which this client does not yet do. Callers publishing a
// custom port against this provider get a recorded-but-unreachable
// service until that gap is closed.
func (c *Client) ExposeHTTPService(ctx context.Context, id, name string, port int) error {
	_, err := c.Get(ctx, id)
	return err
}

func (c *Client) HideHTTPService(ctx context.Context, id, name string) error {
	_, err := c.Get(ctx, id)
	return err
}

// Pause stops the container. This back-end has no RAM-preserving
// hibernate equivalent to the microVM provider's pause; a paused
// instance here is a stopped one and Resume starts it again from disk.
func (c *Client) Pause(ctx context.Context, id string) error {
	timeout := 10
	if err := c.api.ContainerStop(ctx, containerName(id), container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("pvelxc: stop %s: %w", id, err)
	}
	return nil
}

func (c *Client) Resume(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, containerName(id), container.StartOptions{}); err != nil {
		return fmt.Errorf("pvelxc: start %s: %w", id, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, id string) error {
	cname := containerName(id)
	timeout := 10
	if err := c.api.ContainerStop(ctx, cname, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("pvelxc: stop %s: %w", id, err)
	}
	if err := c.api.ContainerRemove(ctx, cname, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("pvelxc: remove %s: %w", id, err)
	}
	return nil
}

// SetWakeOnConnection has no meaning on this back-end: there is no
// connection-triggered autostart path for a bare Docker host, so this
// is a recorded no-op rather than an unsupported-operation error, to
// keep the lifecycle controller's call sites uniform across providers.
func (c *Client) SetWakeOnConnection(ctx context.Context, id string, enabled bool) error {
	return nil
}

// templateVmidBase offsets the self-hosted provider's generated template
// vmids above the registry's reserved preset range, so a freshly snapshotted
// template is never mistaken for an operator-provisioned base image and
// skipped by the below-200 teardown guard.
const templateVmidBase = 201

// Snapshot commits the running container to a new image. The tag is built
// in the same "cmux-template:<vmid>" shape the registry's own template
// references use, so the numeric suffix round-trips through
// registry.templateVmidHint and back through registry.Delete's teardown
// path to the exact tag this call produced.
func (c *Client) Snapshot(ctx context.Context, id string) (string, string, error) {
	cname := containerName(id)
	vmid := templateVmidBase + c.seq.Add(1)
	tag := fmt.Sprintf("cmux-template:%d", vmid)
	commitResp, err := c.api.ContainerCommit(ctx, cname, container.CommitOptions{Reference: tag})
	if err != nil {
		return "", "", fmt.Errorf("pvelxc: commit %s: %w", id, err)
	}
	return commitResp.ID, tag, nil
}

// CopyFile uploads data into the container at destPath as a one-entry
// tar archive. The hydration engine does not call it; it writes its
// bootstrapper through Exec.
func (c *Client) CopyFile(ctx context.Context, id, destPath string, data []byte, mode int64) error {
	if mode == 0 {
		mode = 0o644
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	name := destPath
	if idx := strings.LastIndex(destPath, "/"); idx >= 0 {
		name = destPath[idx+1:]
	}
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: mode, Size: int64(len(data)), ModTime: time.Now()}); err != nil {
		return fmt.Errorf("pvelxc: build tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("pvelxc: write tar payload: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("pvelxc: close tar writer: %w", err)
	}
	destDir := "/"
	if idx := strings.LastIndex(destPath, "/"); idx > 0 {
		destDir = destPath[:idx]
	}
	if err := c.api.CopyToContainer(ctx, containerName(id), destDir, &buf, dockertypes.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return fmt.Errorf("pvelxc: copy to container: %w", err)
	}
	return nil
}

// DeleteTemplate removes a reusable template image, the self-hosted
// back-end's only notion of a Proxmox-style numeric "templateVmid": it
// satisfies provider.TemplateDeleter so the Environment Registry's
// delete-environment teardown can reach it without a pvelxc-specific
// dependency. A missing image is treated as already-deleted.
func (c *Client) DeleteTemplate(ctx context.Context, ref string) error {
	_, err := c.api.ImageRemove(ctx, ref, image.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("pvelxc: delete template %s: %w", ref, err)
	}
	return nil
}

var _ io.Closer = (*Client)(nil)

func (c *Client) Close() error {
	return c.api.Close()
}
