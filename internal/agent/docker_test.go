package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// fakeDocker serves canned containers and log streams.
type fakeDocker struct {
	mu       sync.Mutex
	list     []container.Summary
	listErr  error
	inspect  map[string]container.InspectResponse
	logs     map[string][]byte // multiplexed stream per container ID
	inspects int
	closed   bool
}

func (f *fakeDocker) ContainerList(ctx context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.list), f.listErr
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects++
	info, ok := f.inspect[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container")
	}
	return info, nil
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	data, ok := f.logs[id]
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("no logs")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeDocker) Close() error {
	f.closed = true
	return nil
}

func multiplexed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout)); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var testNow = time.Unix(1_700_000_000, 0)

func testDockerSource(f *fakeDocker, include, exclude []string) *DockerSource {
	d := newDockerSource(f, &DockerConfig{Include: include, Exclude: exclude}, "http://agent:9010")
	d.now = func() time.Time { return testNow }
	return d
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    bool
	}{
		{"web-1", nil, nil, true},
		{"web-1", []string{"web-*"}, nil, true},
		{"db", []string{"web-*"}, nil, false},
		{"web-test", []string{"web-*"}, []string{"*-test"}, false},
		{"api", nil, []string{"web-*"}, true},
	}
	for _, tt := range tests {
		if got := matchFilter(tt.include, tt.exclude, tt.name); got != tt.want {
			t.Errorf("matchFilter(%v, %v, %q) = %v, want %v", tt.include, tt.exclude, tt.name, got, tt.want)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := containerName([]string{"/web", "/alias"}); got != "web" {
		t.Errorf("got %q, want web", got)
	}
	if got := containerName(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestContainerRecordRunning(t *testing.T) {
	c := container.Summary{
		ID:      "abc",
		Names:   []string{"/cam-1"},
		Image:   "robot/cam:1.2",
		State:   "running",
		Status:  "Up 3 minutes",
		Created: testNow.Add(-3 * time.Minute).Unix(),
		Labels: map[string]string{
			LabelComposeProject: "robot",
			LabelStream:         "http://cam-1:8080/stream",
			LabelCapabilities:   "grip, move",
		},
	}
	rec := containerRecord(c, "cam-1", "http://agent:9010", testNow)

	if rec.Active != ActiveLabel || rec.Status != "running" {
		t.Errorf("active/status = %q/%q", rec.Active, rec.Status)
	}
	if rec.Group != "robot" {
		t.Errorf("group = %q, want compose project fallback", rec.Group)
	}
	if rec.LogEndpoint != "http://agent:9010/logs/cam-1" {
		t.Errorf("log endpoint = %q", rec.LogEndpoint)
	}
	if rec.StreamEndpoint != "http://cam-1:8080/stream" {
		t.Errorf("stream endpoint = %q", rec.StreamEndpoint)
	}
	if !slices.Equal(rec.Capabilities, []string{"grip", "move"}) {
		t.Errorf("capabilities = %v", rec.Capabilities)
	}
	if rec.Description != "robot/cam:1.2 · created 3 minutes ago" {
		t.Errorf("description = %q", rec.Description)
	}
	if rec.Errors != "" {
		t.Errorf("errors = %q, want none", rec.Errors)
	}
}

func TestContainerRecordGroupLabelWins(t *testing.T) {
	c := container.Summary{State: "running", Labels: map[string]string{
		LabelGroup:          "cams",
		LabelComposeProject: "robot",
	}}
	if rec := containerRecord(c, "x", "http://a", testNow); rec.Group != "cams" {
		t.Errorf("group = %q, want cams", rec.Group)
	}
}

func TestContainerRecordStopped(t *testing.T) {
	tests := []struct {
		state, status, wantErr string
	}{
		{"exited", "Exited (137) 2 hours ago", "exited with code 137"},
		{"exited", "Exited (0) 2 hours ago", ""},
		{"dead", "Dead", "container is dead"},
		{"restarting", "Restarting (1) 5 seconds ago", "restarting: Restarting (1) 5 seconds ago"},
		{"created", "Created", ""},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			rec := containerRecord(container.Summary{Image: "img", State: tt.state, Status: tt.status}, "x", "http://a", testNow)
			if rec.Active != InactiveLabel {
				t.Errorf("active = %q, want Inactive", rec.Active)
			}
			if rec.LogEndpoint != "" {
				t.Errorf("stopped container should have no log endpoint, got %q", rec.LogEndpoint)
			}
			if rec.Errors != tt.wantErr {
				t.Errorf("errors = %q, want %q", rec.Errors, tt.wantErr)
			}
			if rec.Description != "img" {
				t.Errorf("description = %q, want bare image without creation time", rec.Description)
			}
		})
	}
}

func TestContainerRecordEscapesName(t *testing.T) {
	rec := containerRecord(container.Summary{State: "running"}, "a b", "http://agent", testNow)
	if rec.LogEndpoint != "http://agent/logs/a%20b" {
		t.Errorf("log endpoint = %q", rec.LogEndpoint)
	}
}

func TestDockerRefresh(t *testing.T) {
	f := &fakeDocker{
		list: []container.Summary{
			{ID: "2", Names: []string{"/web-b"}, State: "running", Status: "Up 1 second"},
			{ID: "1", Names: []string{"/web-a"}, State: "exited", Status: "Exited (1) 1 second ago"},
			{ID: "3", Names: []string{"/db"}, State: "running"},
		},
	}
	d := testDockerSource(f, []string{"web-*"}, nil)

	found, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("containers = %d, want 2 after include filter", len(found))
	}
	recs := d.Records()
	if len(recs) != 2 || recs[0].Name != "web-a" || recs[1].Name != "web-b" {
		t.Fatalf("records = %+v, want sorted web-a, web-b", recs)
	}

	d.SetFilters(nil, []string{"web-a"})
	d.Refresh(context.Background())
	var names []string
	for _, r := range d.Records() {
		names = append(names, r.Name)
	}
	if !slices.Equal(names, []string{"db", "web-b"}) {
		t.Errorf("names after filter change = %v", names)
	}
}

func TestDockerRefreshErrorKeepsCache(t *testing.T) {
	f := &fakeDocker{list: []container.Summary{{ID: "1", Names: []string{"/a"}, State: "running"}}}
	d := testDockerSource(f, nil, nil)
	d.Refresh(context.Background())

	f.listErr = errors.New("daemon down")
	if _, err := d.Refresh(context.Background()); err == nil || !strings.Contains(err.Error(), "container list") {
		t.Fatalf("err = %v, want container list error", err)
	}
	if len(d.Records()) != 1 {
		t.Error("failed refresh should keep the last records")
	}
}

func TestDockerUnhealthyUsesHealthcheckOutput(t *testing.T) {
	f := &fakeDocker{
		list: []container.Summary{
			{ID: "1", Names: []string{"/api"}, State: "running", Status: "Up 2 minutes (unhealthy)"},
			{ID: "2", Names: []string{"/ok"}, State: "running", Status: "Up 2 minutes (healthy)"},
		},
		inspect: map[string]container.InspectResponse{
			"1": {ContainerJSONBase: &container.ContainerJSONBase{State: &container.State{
				Health: &container.Health{Log: []*container.HealthcheckResult{
					{ExitCode: 1, Output: "connection refused\n"},
					{ExitCode: 0, Output: "ok"},
					{ExitCode: 1, Output: "timeout\n"},
				}},
			}}},
		},
	}
	d := testDockerSource(f, nil, nil)
	d.Refresh(context.Background())

	recs := d.Records()
	if recs[0].Name != "api" || recs[0].Errors != "timeout" {
		t.Errorf("api errors = %q, want last failing output", recs[0].Errors)
	}
	if recs[1].Errors != "" {
		t.Errorf("healthy errors = %q", recs[1].Errors)
	}
	if f.inspects != 1 {
		t.Errorf("inspects = %d, only unhealthy containers are inspected", f.inspects)
	}
}

func TestDockerUnhealthyInspectFails(t *testing.T) {
	f := &fakeDocker{list: []container.Summary{{ID: "9", Names: []string{"/api"}, State: "running", Status: "Up (unhealthy)"}}}
	d := testDockerSource(f, nil, nil)
	d.Refresh(context.Background())
	if got := d.Records()[0].Errors; got != "unhealthy" {
		t.Errorf("errors = %q, want unhealthy", got)
	}
}

func TestLogTailerFeedsLogbook(t *testing.T) {
	f := &fakeDocker{logs: map[string][]byte{
		"1": multiplexed(t, "starting\nready\n", "warn: slow\n"),
	}}
	lb := NewLogbook(NewHub(), 10)
	lt := NewLogTailer(f, lb, 50)

	lt.Sync(context.Background(), []Container{{ID: "1", Name: "web", State: "running"}})

	deadline := time.After(2 * time.Second)
	for len(lb.Backlog("web")) < 3 {
		select {
		case <-deadline:
			t.Fatalf("backlog = %v, want 3 lines", lb.Backlog("web"))
		case <-time.After(10 * time.Millisecond):
		}
	}
	got := lb.Backlog("web")
	slices.Sort(got)
	if !slices.Equal(got, []string{"ready", "starting", "warn: slow"}) {
		t.Errorf("lines = %v", got)
	}
	lt.Stop()
	if lt.Running() != 0 {
		t.Errorf("running = %d after stop", lt.Running())
	}
}

func TestLogTailerSkipsStoppedAndForgetsEnded(t *testing.T) {
	f := &fakeDocker{logs: map[string][]byte{"1": multiplexed(t, "x\n", "")}}
	lt := NewLogTailer(f, NewLogbook(NewHub(), 10), 0)

	lt.Sync(context.Background(), []Container{
		{ID: "1", Name: "web", State: "running"},
		{ID: "2", Name: "db", State: "exited"},
	})

	// The fake stream ends right away, so the tailer removes itself.
	deadline := time.After(2 * time.Second)
	for lt.Running() != 0 {
		select {
		case <-deadline:
			t.Fatalf("running = %d, want ended tailer forgotten", lt.Running())
		case <-time.After(10 * time.Millisecond):
		}
	}
	lt.Stop()
}

func TestLogTailerStopEmpty(t *testing.T) {
	lt := NewLogTailer(&fakeDocker{}, NewLogbook(NewHub(), 1), 0)
	lt.Stop()
}
