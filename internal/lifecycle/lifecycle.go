package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// ContainerRef identifies a sibling container selected for stop/restart.
// The set is discovered fresh at the start of every run, never cached.
type ContainerRef struct {
	ID   string
	Name string
}

// Outcome records the result of one stop or start attempt.
type Outcome struct {
	Ref ContainerRef
	Err error
}

// Failed reports how many outcomes carry an error.
func Failed(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// dockerAPI is the narrow slice of the Docker Engine API the controller uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// Controller stops and restarts sibling containers that opted in to being
// paused during the backup window via the stop label. A controller with no
// runtime attached (no docker socket) is valid and discovers zero containers.
type Controller struct {
	logger    zerolog.Logger
	api       dockerAPI
	stopLabel string
	// ownHostname is matched against container ID prefixes to exclude the
	// agent's own container (docker sets the hostname to the short ID).
	ownHostname string
}

// NewController creates a Controller over the given API client.
func NewController(logger zerolog.Logger, api dockerAPI, stopLabel string) *Controller {
	hostname, _ := os.Hostname()
	return &Controller{
		logger:      logger.With().Str("component", "lifecycle").Logger(),
		api:         api,
		stopLabel:   stopLabel,
		ownHostname: hostname,
	}
}

// Connect builds a Controller backed by the local Docker Engine. A missing
// control socket is not an error: stop/restart is skipped entirely for such
// hosts, so the returned controller simply discovers zero containers.
func Connect(logger zerolog.Logger, stopLabel string) (*Controller, error) {
	if os.Getenv("DOCKER_HOST") == "" {
		if _, err := os.Stat("/var/run/docker.sock"); err != nil {
			logger.Info().Msg("no docker socket found, container stop/restart disabled")
			return NewController(logger, nil, stopLabel), nil
		}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewController(logger, cli, stopLabel), nil
}

// Discover returns all containers carrying the stop label with value "true",
// excluding the agent's own container, sorted by ID so stop/restart ordering
// is reproducible across runs. Read-only: no side effects.
func (c *Controller) Discover(ctx context.Context) ([]ContainerRef, error) {
	if c.api == nil {
		return nil, nil
	}

	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", c.stopLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	refs := make([]ContainerRef, 0, len(containers))
	for _, cont := range containers {
		if c.ownHostname != "" && strings.HasPrefix(cont.ID, c.ownHostname) {
			continue
		}
		refs = append(refs, ContainerRef{ID: cont.ID, Name: containerName(cont)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// StopAll attempts to stop each container in order, never aborting on an
// individual failure. It returns the subset confirmed stopped plus the
// per-container outcomes. Stopping an already-stopped container is success.
func (c *Controller) StopAll(ctx context.Context, refs []ContainerRef) ([]ContainerRef, []Outcome) {
	var stopped []ContainerRef
	outcomes := make([]Outcome, 0, len(refs))

	for _, ref := range refs {
		err := c.stopOne(ctx, ref)
		outcomes = append(outcomes, Outcome{Ref: ref, Err: err})
		if err == nil {
			stopped = append(stopped, ref)
			c.logger.Info().Str("container", ref.Name).Msg("stopped container")
		} else {
			c.logger.Error().Err(err).Str("container", ref.Name).Msg("failed to stop container")
		}
	}
	return stopped, outcomes
}

func (c *Controller) stopOne(ctx context.Context, ref ContainerRef) error {
	err := c.api.ContainerStop(ctx, ref.ID, container.StopOptions{})
	if err == nil || errdefs.IsNotModified(err) || errdefs.IsNotFound(err) {
		return nil
	}

	// The stop call can fail transiently while the container still goes
	// down. Only treat it as failed if the container is confirmed running,
	// because a container we did not stop must not be restarted.
	inspect, inspectErr := c.api.ContainerInspect(ctx, ref.ID)
	if inspectErr == nil && inspect.State != nil && !inspect.State.Running {
		return nil
	}
	return fmt.Errorf("stop container %s: %w", ref.Name, err)
}

// RestartAll attempts to start every container in order, independent of
// whether the run succeeded. Individual failures are recorded and do not
// prevent the remaining containers from being started. Starting an
// already-running container is success.
func (c *Controller) RestartAll(ctx context.Context, refs []ContainerRef) []Outcome {
	outcomes := make([]Outcome, 0, len(refs))
	for _, ref := range refs {
		err := c.api.ContainerStart(ctx, ref.ID, container.StartOptions{})
		if err != nil && !errdefs.IsNotModified(err) {
			err = fmt.Errorf("start container %s: %w", ref.Name, err)
			c.logger.Error().Err(err).Str("container", ref.Name).Msg("failed to restart container")
		} else {
			err = nil
			c.logger.Info().Str("container", ref.Name).Msg("restarted container")
		}
		outcomes = append(outcomes, Outcome{Ref: ref, Err: err})
	}
	return outcomes
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID[:min(12, len(c.ID))]
}
