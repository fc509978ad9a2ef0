package agent

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/thobiasn/beacon/internal/protocol"
)

const pruneEvery = time.Hour

// Agent gathers status records from docker and reporting workers, publishes
// them to dashboard clients, and serves per-entity logs.
type Agent struct {
	cfg     *Config
	cfgPath string
	version string

	store    *Store
	hub      *Hub
	workers  *Workers
	logbook  *Logbook
	docker   *DockerSource // nil when disabled
	logs     *LogTailer    // nil when docker is disabled
	mqtt     *MQTTSource   // nil without a broker
	notifier *Notifier
	socket   *SocketServer
	http     *LogServer
	watcher  *ConfigWatcher

	reload     chan *Config
	lastPrune  time.Time
	lastActive map[string]string // name -> Active label at the previous collect
	now        func() time.Time
}

// New creates an Agent from the given config. cfgPath is stored for reload
// and may be empty when running on defaults.
func New(cfg *Config, cfgPath string, version string) (*Agent, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	workers := NewWorkers(store, cfg.Workers.StaleAfter.Duration)
	// Persisted workers show as Inactive until they report again. Non-fatal.
	if n, err := workers.Load(context.Background()); err != nil {
		slog.Warn("failed to load workers", "error", err)
	} else if n > 0 {
		slog.Info("loaded workers", "count", n)
	}

	hub := NewHub()
	a := &Agent{
		cfg:        cfg,
		cfgPath:    cfgPath,
		version:    version,
		store:      store,
		hub:        hub,
		workers:    workers,
		logbook:    NewLogbook(hub, cfg.HTTP.Backlog),
		notifier:   NewNotifier(&cfg.Notify),
		reload:     make(chan *Config, 1),
		lastActive: make(map[string]string),
		now:        time.Now,
	}

	if cfg.Docker.On() {
		docker, err := NewDockerSource(&cfg.Docker, cfg.HTTP.PublicURL)
		if err != nil {
			slog.Warn("docker source disabled", "error", err)
		} else {
			a.docker = docker
			a.logs = NewLogTailer(docker.api, a.logbook, cfg.HTTP.Backlog)
		}
	}
	if cfg.MQTT.Broker != "" {
		a.mqtt = NewMQTTSource(cfg.MQTT, workers)
	}

	a.socket = NewSocketServer(hub, workers, a.logbook, a.snapshot)
	a.http = NewLogServer(a.logbook)
	return a, nil
}

// Reload re-reads the config file and sends it to the Run loop for application.
// Safe to call from any goroutine (e.g. SIGHUP handler). If a reload is already
// pending, the new one is dropped.
func (a *Agent) Reload() error {
	if a.cfgPath == "" {
		return fmt.Errorf("reload config: running without a config file")
	}
	cfg, err := LoadConfig(a.cfgPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	select {
	case a.reload <- cfg:
		slog.Info("config reload queued")
	default:
		slog.Warn("config reload already pending, skipping")
	}
	return nil
}

// Run starts the servers and the collect loop and blocks until the context
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent starting",
		"version", a.version,
		"interval", a.cfg.Collect.Interval.Duration,
		"db", a.cfg.Storage.Path,
		"docker", a.docker != nil,
		"mqtt", a.cfg.MQTT.Broker,
	)

	if err := a.socket.Start(a.cfg.Socket.Path); err != nil {
		a.closeStores()
		return fmt.Errorf("start socket: %w", err)
	}
	if a.cfg.Socket.Listen != "" {
		if _, err := a.socket.StartTCP(a.cfg.Socket.Listen); err != nil {
			a.socket.Stop()
			a.closeStores()
			return fmt.Errorf("start socket: %w", err)
		}
	}
	if err := a.http.Start(a.cfg.HTTP.Listen); err != nil {
		a.socket.Stop()
		a.closeStores()
		return fmt.Errorf("start log server: %w", err)
	}
	if a.mqtt != nil {
		// Non-fatal: workers can still report over the socket.
		if err := a.mqtt.Start(); err != nil {
			slog.Warn("mqtt unavailable", "error", err)
		}
	}
	if a.cfgPath != "" {
		w, err := WatchConfig(a.cfgPath, func() {
			if err := a.Reload(); err != nil {
				slog.Error("config reload", "error", err)
			}
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		} else {
			a.watcher = w
		}
	}

	// Collect immediately on startup.
	a.refreshDocker(ctx)
	a.collect(ctx)

	ticker := time.NewTicker(a.cfg.Collect.Interval.Duration)
	defer ticker.Stop()

	// A nil channel never fires, so without docker the case is inert.
	var dockerC <-chan time.Time
	var dockerTicker *time.Ticker
	if a.docker != nil {
		dockerTicker = time.NewTicker(a.cfg.Docker.Interval.Duration)
		defer dockerTicker.Stop()
		dockerC = dockerTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-ticker.C:
			a.collect(ctx)
		case <-dockerC:
			a.refreshDocker(ctx)
		case newCfg := <-a.reload:
			a.applyConfig(newCfg)
			ticker.Reset(a.cfg.Collect.Interval.Duration)
			if dockerTicker != nil {
				dockerTicker.Reset(a.cfg.Docker.Interval.Duration)
			}
		}
	}
}

// nonReloadableFields logs warnings if non-reloadable config fields have changed.
func nonReloadableFields(old, updated *Config) {
	warn := func(field, o, n string) {
		if o != n {
			slog.Warn("config reload: "+field+" cannot be changed at runtime", "old", o, "new", n)
		}
	}
	warn("storage.path", old.Storage.Path, updated.Storage.Path)
	warn("socket.path", old.Socket.Path, updated.Socket.Path)
	warn("socket.listen", old.Socket.Listen, updated.Socket.Listen)
	warn("http.listen", old.HTTP.Listen, updated.HTTP.Listen)
	warn("http.public_url", old.HTTP.PublicURL, updated.HTTP.PublicURL)
	warn("http.backlog", fmt.Sprint(old.HTTP.Backlog), fmt.Sprint(updated.HTTP.Backlog))
	warn("docker.socket", old.Docker.Socket, updated.Docker.Socket)
	warn("docker.enabled", fmt.Sprint(old.Docker.On()), fmt.Sprint(updated.Docker.On()))
	warn("mqtt.broker", old.MQTT.Broker, updated.MQTT.Broker)
	warn("mqtt.topic", old.MQTT.Topic, updated.MQTT.Topic)
}

func (a *Agent) applyConfig(newCfg *Config) {
	nonReloadableFields(a.cfg, newCfg)

	// Reloadable fields.
	a.cfg.Storage.RetentionDays = newCfg.Storage.RetentionDays
	a.cfg.Collect.Interval = newCfg.Collect.Interval
	a.cfg.Docker.Interval = newCfg.Docker.Interval
	a.cfg.Docker.Include = newCfg.Docker.Include
	a.cfg.Docker.Exclude = newCfg.Docker.Exclude
	a.cfg.Workers.StaleAfter = newCfg.Workers.StaleAfter

	if a.docker != nil {
		a.docker.SetFilters(newCfg.Docker.Include, newCfg.Docker.Exclude)
	}
	a.workers.SetStaleAfter(newCfg.Workers.StaleAfter.Duration)

	// Swap the notifier; the old one drains its queue first.
	a.notifier.Stop()
	a.notifier = NewNotifier(&newCfg.Notify)
	a.cfg.Notify = newCfg.Notify

	slog.Info("config reloaded",
		"interval", a.cfg.Collect.Interval.Duration,
		"docker_interval", a.cfg.Docker.Interval.Duration,
		"stale_after", a.cfg.Workers.StaleAfter.Duration,
		"webhooks", len(a.cfg.Notify.Webhooks),
		"retention_days", a.cfg.Storage.RetentionDays,
	)
}

// snapshot returns every record the agent knows about. A container and a
// worker with the same name are one entity; the container wins.
func (a *Agent) snapshot() []protocol.StatusRecord {
	var containers []protocol.StatusRecord
	if a.docker != nil {
		containers = a.docker.Records()
	}
	return mergeRecords(containers, a.workers.Records())
}

// mergeRecords combines primary and secondary, dropping secondary records
// whose name is taken, and sorts by group then name.
func mergeRecords(primary, secondary []protocol.StatusRecord) []protocol.StatusRecord {
	out := make([]protocol.StatusRecord, 0, len(primary)+len(secondary))
	seen := make(map[string]bool, len(primary))
	for _, r := range primary {
		seen[r.Name] = true
		out = append(out, r)
	}
	for _, r := range secondary {
		if !seen[r.Name] {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(x, y protocol.StatusRecord) int {
		if c := cmp.Compare(x.Group, y.Group); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	})
	return out
}

// transitions updates last with the Active label of every record and
// returns the records whose label changed. First sightings are not
// transitions, and names missing from recs are forgotten.
func transitions(last map[string]string, recs []protocol.StatusRecord) []protocol.StatusRecord {
	var changed []protocol.StatusRecord
	present := make(map[string]bool, len(recs))
	for _, r := range recs {
		present[r.Name] = true
		prev, ok := last[r.Name]
		if ok && prev != r.Active {
			changed = append(changed, r)
		}
		last[r.Name] = r.Active
	}
	for name := range last {
		if !present[name] {
			delete(last, name)
		}
	}
	return changed
}

func (a *Agent) refreshDocker(ctx context.Context) {
	if a.docker == nil || ctx.Err() != nil {
		return
	}
	containers, err := a.docker.Refresh(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Error("docker refresh failed", "error", err)
		return
	}
	a.logs.Sync(ctx, containers)
}

func (a *Agent) collect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	ts := a.now()
	recs := a.snapshot()
	a.hub.Publish(TopicStatus, &protocol.StatusUpdate{Timestamp: ts.UnixMilli(), Records: recs})

	for _, r := range transitions(a.lastActive, recs) {
		slog.Info("entity changed", "name", r.Name, "active", r.Active)
		a.notifier.Notify(newTransition(r, ts))
	}

	// Prune if >1 hour since last prune.
	if ts.Sub(a.lastPrune) > pruneEvery {
		retention := time.Duration(a.cfg.Storage.RetentionDays) * 24 * time.Hour
		n, err := a.workers.Prune(ctx, retention)
		if err != nil {
			slog.Error("prune failed", "error", err)
			return
		}
		keep := make(map[string]bool, len(recs))
		for _, r := range recs {
			keep[r.Name] = true
		}
		a.logbook.Forget(keep)
		a.lastPrune = ts
		if n > 0 {
			slog.Info("pruned workers", "count", n, "retention_days", a.cfg.Storage.RetentionDays)
		}
	}
}

// shutdown stops all components in order: inputs first, then client-facing
// servers, then the background writers and finally storage.
func (a *Agent) shutdown() error {
	slog.Info("agent shutting down")

	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Stop()
	}
	a.socket.Stop()
	a.http.Stop()
	if a.logs != nil {
		a.logs.Stop()
	}
	a.notifier.Stop()
	a.closeStores()

	slog.Info("agent stopped")
	return nil
}

func (a *Agent) closeStores() {
	if err := a.store.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			slog.Error("close docker", "error", err)
		}
	}
}
