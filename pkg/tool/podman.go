package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// PodmanClient is a minimal libpod REST client over the local unix socket.
// Only the handful of calls the sidecar executor needs are implemented.
type PodmanClient struct {
	socketPath string
	httpClient *http.Client
}

const podmanAPIBase = "http://d/v4.0.0/libpod"

func NewPodmanClient(host string) (*PodmanClient, error) {
	socketPath := strings.TrimPrefix(host, "unix://")
	if socketPath == "" || socketPath == host && strings.Contains(host, "://") {
		return nil, fmt.Errorf("unsupported podman host %q, expected unix:// socket", host)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}

	return &PodmanClient{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// ContainerSpec is the subset of the libpod create payload the executor uses.
type ContainerSpec struct {
	Image   string           `json:"image"`
	Command []string         `json:"command,omitempty"`
	Stdin   bool             `json:"stdin"`
	Netns   *NamespaceMode   `json:"netns,omitempty"`
	Userns  *NamespaceMode   `json:"userns,omitempty"`
	Mounts  []ContainerMount `json:"mounts,omitempty"`
}

type NamespaceMode struct {
	NSMode string `json:"nsmode"`
}

type ContainerMount struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func (c *PodmanClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, podmanAPIBase+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func readError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("podman API %s: %s", resp.Status, strings.TrimSpace(string(payload)))
}

// CreateContainer creates an ephemeral container and returns its id.
func (c *PodmanClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/containers/create", spec)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", readError(resp)
	}

	var created struct {
		ID string `json:"Id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("malformed create response: %w", err)
	}
	return created.ID, nil
}

func (c *PodmanClient) StartContainer(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/start", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotModified {
		return readError(resp)
	}
	return nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (c *PodmanClient) WaitContainer(ctx context.Context, id string) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/wait", nil)
	if err != nil {
		return -1, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return -1, readError(resp)
	}

	var exitCode int
	if err := json.NewDecoder(resp.Body).Decode(&exitCode); err != nil {
		return -1, fmt.Errorf("malformed wait response: %w", err)
	}
	return exitCode, nil
}

// RemoveContainer force-removes the container; used on every exit path.
func (c *PodmanClient) RemoveContainer(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/containers/"+id+"?force=true", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return readError(resp)
	}
}

// AttachResult carries the demultiplexed output streams of a finished attach.
type AttachResult struct {
	Stdout string
	Stderr string
}

// Attach connects to the container's stdio before start, writes stdin, closes
// the write half, and demultiplexes stdout/stderr until the stream ends. The
// attach endpoint upgrades the HTTP connection, so it is spoken raw over a
// dedicated socket connection.
func (c *PodmanClient) Attach(ctx context.Context, id string, stdin []byte, start func() error) (*AttachResult, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial podman socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	path := fmt.Sprintf("/v4.0.0/libpod/containers/%s/attach?stream=true&stdin=true&stdout=true&stderr=true", id)
	request := fmt.Sprintf("POST %s HTTP/1.1\r\nHost: d\r\nUpgrade: tcp\r\nConnection: Upgrade\r\n\r\n", path)
	if _, err := conn.Write([]byte(request)); err != nil {
		return nil, fmt.Errorf("attach request failed: %w", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("attach handshake failed: %w", err)
	}
	if !strings.Contains(status, "101") && !strings.Contains(status, "200") {
		return nil, fmt.Errorf("attach rejected: %s", strings.TrimSpace(status))
	}
	// Drain remaining response headers.
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("attach handshake failed: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	// The container is created with stdin; start it only once attached so no
	// output is lost.
	if start != nil {
		if err := start(); err != nil {
			return nil, err
		}
	}

	if len(stdin) > 0 {
		if _, err := conn.Write(stdin); err != nil {
			return nil, fmt.Errorf("failed to write stdin: %w", err)
		}
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		_ = unixConn.CloseWrite()
	}

	result := &AttachResult{}
	var stdout, stderr strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("attach stream error: %w", err)
		}
		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, fmt.Errorf("attach stream error: %w", err)
		}
		switch header[0] {
		case 2:
			stderr.Write(payload)
		default:
			stdout.Write(payload)
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// Ping verifies the podman socket is reachable.
func (c *PodmanClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/_ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}
