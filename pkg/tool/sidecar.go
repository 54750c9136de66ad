package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pivotagent/pivot/pkg/observability"
)

// defaultEntrypoint is the tool runner shipped in the service image; it reads
// the argument object from stdin and prints the result object on stdout.
const defaultEntrypoint = "/usr/local/bin/pivot-tool"

// SidecarOptions tune the per-call container.
type SidecarOptions struct {
	Image   string
	Network string
	Timeout time.Duration
	Volumes []string
}

// SidecarExecutor runs each tool call in an ephemeral container. Arguments go
// in as one JSON object on stdin; exactly one JSON object
// {success, result|error, diagnostics?} comes back on stdout.
type SidecarExecutor struct {
	registry *Registry
	podman   *PodmanClient
	opts     SidecarOptions
}

type sidecarOutput struct {
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	Diagnostics json.RawMessage `json:"diagnostics"`
}

func NewSidecarExecutor(registry *Registry, podman *PodmanClient, opts SidecarOptions) *SidecarExecutor {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Network == "" {
		opts.Network = "none"
	}
	return &SidecarExecutor{registry: registry, podman: podman, opts: opts}
}

func (e *SidecarExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tracer := observability.GetTracer("tool")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)))
	defer span.End()

	start := time.Now()
	result, err := e.execute(ctx, name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, name, time.Since(start), err)
	}
	return result, err
}

func (e *SidecarExecutor) execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	def, ok := e.registry.Snapshot()[name]
	if !ok {
		return nil, &ExecutionError{Tool: name, Message: "unknown tool", Err: ErrUnknownTool}
	}

	args = stripContext(name, args)

	stdin, err := json.Marshal(args)
	if err != nil {
		return nil, &ExecutionError{Tool: name, Message: "arguments are not serializable", Err: err}
	}

	command := def.Command
	if len(command) == 0 {
		command = []string{defaultEntrypoint, name}
	}

	spec := ContainerSpec{
		Image:   e.opts.Image,
		Command: command,
		Stdin:   true,
		Netns:   &NamespaceMode{NSMode: e.opts.Network},
		Userns:  &NamespaceMode{NSMode: "auto"},
	}
	for _, volume := range e.opts.Volumes {
		parts := strings.SplitN(volume, ":", 2)
		if len(parts) != 2 {
			continue
		}
		spec.Mounts = append(spec.Mounts, ContainerMount{
			Type:        "bind",
			Source:      parts[0],
			Destination: parts[1],
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	containerID, err := e.podman.CreateContainer(callCtx, spec)
	if err != nil {
		return nil, &ExecutionError{Tool: name, Message: "container create failed: " + err.Error(), Err: err}
	}
	defer func() {
		// Removal must not inherit the (possibly expired) call deadline.
		removeCtx, removeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer removeCancel()
		if err := e.podman.RemoveContainer(removeCtx, containerID); err != nil {
			slog.Warn("sidecar cleanup failed", "tool", name, "container", containerID, "error", err)
		}
	}()

	attached, err := e.podman.Attach(callCtx, containerID, stdin, func() error {
		return e.podman.StartContainer(callCtx, containerID)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecutionError{Tool: name, Message: "timeout", Err: context.DeadlineExceeded}
		}
		return nil, &ExecutionError{Tool: name, Message: err.Error(), Err: err}
	}

	exitCode, err := e.podman.WaitContainer(callCtx, containerID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecutionError{Tool: name, Message: "timeout", Err: context.DeadlineExceeded}
		}
		return nil, &ExecutionError{Tool: name, Message: err.Error(), Stderr: attached.Stderr, Err: err}
	}
	if exitCode != 0 {
		return nil, &ExecutionError{
			Tool:    name,
			Message: "container exited with code " + strconv.Itoa(exitCode),
			Stderr:  attached.Stderr,
		}
	}

	output, err := parseSidecarOutput(attached.Stdout)
	if err != nil {
		return nil, &ExecutionError{Tool: name, Message: err.Error(), Stderr: attached.Stderr}
	}
	if !output.Success {
		message := output.Error
		if message == "" {
			message = "tool reported failure"
		}
		return nil, &ExecutionError{Tool: name, Message: message, Stderr: attached.Stderr}
	}

	var result interface{}
	if len(output.Result) > 0 {
		if err := json.Unmarshal(output.Result, &result); err != nil {
			return nil, &ExecutionError{Tool: name, Message: "unserializable result payload", Stderr: attached.Stderr}
		}
	}
	return result, nil
}

// parseSidecarOutput takes the last non-empty stdout line; anything a tool
// prints before it is ignored so stray prints cannot corrupt the protocol.
func parseSidecarOutput(stdout string) (*sidecarOutput, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var output sidecarOutput
		if err := json.Unmarshal([]byte(line), &output); err != nil {
			return nil, errors.New("invalid JSON on stdout")
		}
		return &output, nil
	}
	return nil, errors.New("no output on stdout")
}
