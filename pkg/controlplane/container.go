// Package controlplane contains the REST clients for the external systems
// that actually own resource lifecycle: the container host that runs game
// servers, and the OPNsense firewall.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vespo92/boonerd/pkg/orchestrator"
)

// ContainerSpec is the desired configuration for a container on the host.
type ContainerSpec struct {
	// Name is the unique container name.
	Name string `json:"name"`

	// Image is the container image reference.
	Image string `json:"image"`

	// Ports are host:container port mappings, e.g. "25565:25565/tcp".
	Ports []string `json:"ports"`

	// Env is the container environment.
	Env map[string]string `json:"env,omitempty"`

	// Volumes are named volume mounts, e.g. "minecraft-data:/data".
	Volumes []string `json:"volumes,omitempty"`

	// Memory is the memory limit, e.g. "4G".
	Memory string `json:"memory,omitempty"`

	// CPULimit is the CPU limit, e.g. "2".
	CPULimit string `json:"cpu_limit,omitempty"`
}

// ContainerInfo is the host's view of a running container.
type ContainerInfo struct {
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	State  string            `json:"state"`
	Ports  []string          `json:"ports"`
	Env    map[string]string `json:"env,omitempty"`
	Memory string            `json:"memory,omitempty"`
}

// ContainerClient talks to the container host's management API.
type ContainerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewContainerClient creates a container host client.
func NewContainerClient(baseURL, apiKey string, timeout time.Duration) *ContainerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ContainerClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Inspect returns the container with the given name, or (nil, nil) when the
// host has no such container.
func (c *ContainerClient) Inspect(ctx context.Context, name string) (*ContainerInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/containers/"+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, orchestrator.NewTransientError("container host unreachable", err).
			WithResource(name).WithOperation("inspect")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyStatus(resp, name, "inspect"); err != nil {
		return nil, err
	}

	var info ContainerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, orchestrator.NewTransientError("malformed inspect response", err).
			WithResource(name).WithOperation("inspect")
	}
	return &info, nil
}

// Create creates and starts a container from the spec.
func (c *ContainerClient) Create(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, orchestrator.NewPermanentError("failed to encode container spec", err).
			WithResource(spec.Name)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/containers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, orchestrator.NewTransientError("container host unreachable", err).
			WithResource(spec.Name).WithOperation("create")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp, spec.Name, "create"); err != nil {
		return nil, err
	}

	var info ContainerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, orchestrator.NewTransientError("malformed create response", err).
			WithResource(spec.Name).WithOperation("create")
	}
	return &info, nil
}

// Remove stops and removes the named container. Removing a container that
// does not exist is a no-op success.
func (c *ContainerClient) Remove(ctx context.Context, name string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/containers/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return orchestrator.NewTransientError("container host unreachable", err).
			WithResource(name).WithOperation("remove")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus(resp, name, "remove")
}

func (c *ContainerClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, orchestrator.NewPermanentError("failed to build request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// classifyStatus maps HTTP status codes onto the driver error taxonomy.
func classifyStatus(resp *http.Response, resource, operation string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return orchestrator.NewConflictError(readErrBody(resp), nil).
			WithCode(orchestrator.ErrCodeAlreadyExists).
			WithResource(resource).WithOperation(operation)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return orchestrator.NewPermanentError("control plane rejected credentials", nil).
			WithResource(resource).WithOperation(operation)
	case resp.StatusCode == http.StatusTooManyRequests:
		return orchestrator.NewTransientError("control plane rate limited", nil).
			WithCode(orchestrator.ErrCodeRateLimited).
			WithResource(resource).WithOperation(operation)
	case resp.StatusCode >= 500:
		return orchestrator.NewTransientError(
			fmt.Sprintf("control plane error: %s", readErrBody(resp)), nil).
			WithResource(resource).WithOperation(operation)
	default:
		return orchestrator.NewPermanentError(
			fmt.Sprintf("control plane returned status %d: %s", resp.StatusCode, readErrBody(resp)), nil).
			WithResource(resource).WithOperation(operation)
	}
}

func readErrBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(b) == 0 {
		return resp.Status
	}
	return string(b)
}
