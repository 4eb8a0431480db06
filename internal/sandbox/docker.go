package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// Sandbox container configuration.
	sandboxPort     = "9000"
	stopTimeoutSecs = 10
	labelSession    = "cloudlabs.sandbox"
	labelUser       = "cloudlabs.user"
	labelLab        = "cloudlabs.lab"

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	sandboxSubnet = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
	readyPollInterval   = 250 * time.Millisecond

	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// DockerConfig configures per-session sandbox containers.
type DockerConfig struct {
	Image   string
	Runtime string // "" = default (runc), "runsc" = gVisor
	Network string
	Region  string
	// InContainer reaches sandboxes over the bridge network instead of a
	// published loopback port.
	InContainer  bool
	ReadyTimeout time.Duration
}

// DockerProvisioner runs one S3-compatible sandbox container per session and
// hands out its generated root keys.
type DockerProvisioner struct {
	cli  *client.Client
	cfg  DockerConfig
	http *http.Client
}

// NewDockerProvisioner creates a Docker-backed provisioner.
func NewDockerProvisioner(cfg DockerConfig) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerProvisioner{cli: cli, cfg: cfg, http: &http.Client{Timeout: 2 * time.Second}}, nil
}

// Provision creates and starts a sandbox container for userID and waits
// until it answers health probes.
func (p *DockerProvisioner) Provision(ctx context.Context, userID, labID string) (domain.CredentialSet, error) {
	accessKey, err := randomKey(20)
	if err != nil {
		return domain.CredentialSet{}, err
	}
	secretKey, err := randomKey(40)
	if err != nil {
		return domain.CredentialSet{}, err
	}
	suffix, err := randomKey(8)
	if err != nil {
		return domain.CredentialSet{}, err
	}
	name := containerName(userID, labID, suffix)

	port := nat.Port(sandboxPort + "/tcp")
	config := &container.Config{
		Image:        p.cfg.Image,
		Cmd:          []string{"server", "/data"},
		Env:          []string{"MINIO_ROOT_USER=" + accessKey, "MINIO_ROOT_PASSWORD=" + secretKey, "MINIO_REGION=" + p.cfg.Region},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelSession: "true",
			labelUser:    userID,
			labelLab:     labID,
		},
	}

	hostConfig := &container.HostConfig{
		Runtime:     p.cfg.Runtime,
		NetworkMode: container.NetworkMode(p.cfg.Network),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if !p.cfg.InContainer {
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}}
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return domain.CredentialSet{}, fmt.Errorf("create sandbox container: %w", createErr)
		}

		slog.Warn("Sandbox name conflict during create, retrying",
			"user_id", userID,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := p.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := p.stopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting sandbox before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return domain.CredentialSet{}, ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return domain.CredentialSet{}, fmt.Errorf("create sandbox container after retries: %w", createErr)
	}

	// From here on the container exists and must not leak on failure.
	fail := func(err error) (domain.CredentialSet, error) {
		if stopErr := p.stopContainer(context.WithoutCancel(ctx), resp.ID); stopErr != nil {
			slog.Warn("Failed to remove sandbox after provisioning failure", "container_id", resp.ID, "error", stopErr)
		}
		return domain.CredentialSet{}, err
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("start sandbox container %s: %w", resp.ID, err))
	}

	endpoint, err := p.endpoint(ctx, resp.ID)
	if err != nil {
		return fail(err)
	}
	if err := p.waitReady(ctx, endpoint); err != nil {
		return fail(err)
	}

	slog.Info("Sandbox container started", "container_id", resp.ID, "user_id", userID, "lab_id", labID, "endpoint", endpoint)
	return domain.CredentialSet{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Region:          p.cfg.Region,
		Endpoint:        endpoint,
		UseSSL:          false,
		Ref:             resp.ID,
	}, nil
}

// Release stops and removes the sandbox container behind creds.
func (p *DockerProvisioner) Release(ctx context.Context, creds domain.CredentialSet) error {
	if creds.Ref == "" {
		return nil
	}
	return p.stopContainer(ctx, creds.Ref)
}

// endpoint returns the host:port the sandbox API listens on.
func (p *DockerProvisioner) endpoint(ctx context.Context, containerID string) (string, error) {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect sandbox container %s: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("sandbox container %s has no network settings", containerID)
	}

	if p.cfg.InContainer {
		ep, ok := inspect.NetworkSettings.Networks[p.cfg.Network]
		if !ok || ep == nil || ep.IPAddress == "" {
			return "", fmt.Errorf("sandbox container %s has no address on %s", containerID, p.cfg.Network)
		}
		return net.JoinHostPort(ep.IPAddress, sandboxPort), nil
	}

	bindings := inspect.NetworkSettings.Ports[nat.Port(sandboxPort+"/tcp")]
	for _, b := range bindings {
		if b.HostPort != "" {
			host := b.HostIP
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			return net.JoinHostPort(host, b.HostPort), nil
		}
	}
	return "", fmt.Errorf("sandbox container %s has no published port", containerID)
}

// waitReady polls the sandbox liveness endpoint until it answers.
func (p *DockerProvisioner) waitReady(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	url := "http://" + endpoint + "/minio/health/live"
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create readiness probe: %w", err)
		}
		if resp, err := p.http.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox at %s not ready: %w", endpoint, ctx.Err())
		case <-ticker.C:
		}
	}
}

// stopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (p *DockerProvisioner) stopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping sandbox container", "container_id", containerID)

	if _, err := p.cli.ContainerInspect(ctx, containerID); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Sandbox container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		switch {
		case errdefs.IsNotFound(err):
			slog.Debug("Sandbox container already stopped/removed", "container_id", containerID)
		case ctx.Err() != nil:
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		default:
			slog.Debug("Sandbox stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Sandbox container stopped and removed", "container_id", containerID)
	return nil
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (p *DockerProvisioner) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := p.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == p.cfg.Network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := p.cli.NetworkCreate(ctx, p.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: sandboxSubnet}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", p.cfg.Network, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.cli.Close()
}

func containerName(userID, labID, suffix string) string {
	clean := func(s string) string {
		s = strings.ToLower(s)
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
				return r
			}
			return '-'
		}, s)
	}
	return fmt.Sprintf("cloudlab-%s-%s-%s", clean(userID), clean(labID), strings.ToLower(suffix))
}

func randomKey(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate sandbox key: %w", err)
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}

func ptr[T any](v T) *T {
	return &v
}
