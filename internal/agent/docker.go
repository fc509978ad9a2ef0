package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/dustin/go-humanize"

	"github.com/thobiasn/beacon/internal/protocol"
)

// Container labels read by the docker source.
const (
	LabelGroup          = "beacon.group"
	LabelStream         = "beacon.stream"
	LabelCapabilities   = "beacon.capabilities"
	LabelComposeProject = "com.docker.compose.project"
)

// dockerAPI is the subset of the Docker client the agent uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// DockerSource turns containers into status records. Refresh lists
// containers on the docker interval; Records serves the cached result to
// every collect tick.
type DockerSource struct {
	api       dockerAPI
	publicURL string
	now       func() time.Time

	mu      sync.RWMutex
	include []string
	exclude []string
	records []protocol.StatusRecord
}

// Container is a discovered container the log tailer may follow.
type Container struct {
	ID    string
	Name  string
	Image string
	State string
}

// NewDockerSource creates a source using the configured Docker socket.
// publicURL is the log server base advertised in log endpoints.
func NewDockerSource(cfg *DockerConfig, publicURL string) (*DockerSource, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost("unix://"+cfg.Socket),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDockerSource(c, cfg, publicURL), nil
}

func newDockerSource(api dockerAPI, cfg *DockerConfig, publicURL string) *DockerSource {
	return &DockerSource{
		api:       api,
		publicURL: publicURL,
		now:       time.Now,
		include:   cfg.Include,
		exclude:   cfg.Exclude,
	}
}

// Close closes the Docker client.
func (d *DockerSource) Close() error {
	return d.api.Close()
}

// SetFilters replaces the include and exclude globs. Takes effect on the
// next Refresh.
func (d *DockerSource) SetFilters(include, exclude []string) {
	d.mu.Lock()
	d.include = include
	d.exclude = exclude
	d.mu.Unlock()
}

// Refresh lists containers and rebuilds the cached records. It returns the
// containers that passed the filters.
func (d *DockerSource) Refresh(ctx context.Context) ([]Container, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	d.mu.RLock()
	include, exclude := d.include, d.exclude
	d.mu.RUnlock()

	now := d.now()
	var (
		records    []protocol.StatusRecord
		discovered []Container
	)
	for _, c := range list {
		name := containerName(c.Names)
		if name == "" || !matchFilter(include, exclude, name) {
			continue
		}
		discovered = append(discovered, Container{ID: c.ID, Name: name, Image: c.Image, State: c.State})

		rec := containerRecord(c, name, d.publicURL, now)
		if strings.Contains(c.Status, "(unhealthy)") {
			rec.Errors = d.healthError(ctx, c.ID)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	d.mu.Lock()
	d.records = records
	d.mu.Unlock()
	return discovered, nil
}

// Records returns the records from the last Refresh.
func (d *DockerSource) Records() []protocol.StatusRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]protocol.StatusRecord, len(d.records))
	for i := range d.records {
		out[i] = cloneRecord(d.records[i])
	}
	return out
}

// healthError returns the output of the last failed healthcheck.
func (d *DockerSource) healthError(ctx context.Context, id string) string {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		slog.Warn("inspect unhealthy container", "container", id, "error", err)
		return "unhealthy"
	}
	if info.ContainerJSONBase == nil || info.State == nil || info.State.Health == nil {
		return "unhealthy"
	}
	logs := info.State.Health.Log
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i] != nil && logs[i].ExitCode != 0 {
			if out := strings.TrimSpace(logs[i].Output); out != "" {
				return out
			}
			return fmt.Sprintf("healthcheck exited with code %d", logs[i].ExitCode)
		}
	}
	return "unhealthy"
}

// containerRecord maps one container to a status record.
func containerRecord(c container.Summary, name, publicURL string, now time.Time) protocol.StatusRecord {
	rec := protocol.StatusRecord{
		Name:        name,
		Active:      InactiveLabel,
		Status:      c.State,
		Description: containerDescription(c, now),
		Errors:      containerErrors(c),
	}
	if c.State == "running" {
		rec.Active = ActiveLabel
		rec.LogEndpoint = publicURL + "/logs/" + url.PathEscape(name)
	}
	if g := c.Labels[LabelGroup]; g != "" {
		rec.Group = g
	} else {
		rec.Group = c.Labels[LabelComposeProject]
	}
	rec.StreamEndpoint = c.Labels[LabelStream]
	if caps, ok := c.Labels[LabelCapabilities]; ok {
		rec.Capabilities = splitList(caps)
		if rec.Capabilities == nil {
			rec.Capabilities = []string{}
		}
	}
	return rec
}

func containerDescription(c container.Summary, now time.Time) string {
	if c.Created == 0 {
		return c.Image
	}
	created := time.Unix(c.Created, 0)
	return c.Image + " · created " + humanize.RelTime(created, now, "ago", "from now")
}

func containerErrors(c container.Summary) string {
	switch c.State {
	case "exited":
		var code int
		if _, err := fmt.Sscanf(c.Status, "Exited (%d)", &code); err == nil && code != 0 {
			return fmt.Sprintf("exited with code %d", code)
		}
	case "dead":
		return "container is dead"
	case "restarting":
		return "restarting: " + c.Status
	}
	return ""
}

// containerName extracts a clean name from Docker's name list.
func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	// Docker prefixes names with "/", strip it.
	return strings.TrimPrefix(names[0], "/")
}

// matchFilter checks if a container name matches include/exclude patterns.
func matchFilter(include, exclude []string, name string) bool {
	if len(include) > 0 {
		matched := false
		for _, pattern := range include {
			if ok, _ := filepath.Match(pattern, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, pattern := range exclude {
		if ok, _ := filepath.Match(pattern, name); ok {
			return false
		}
	}

	return true
}
