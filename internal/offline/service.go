// Package offline assembles the offline layer: durable store, cache,
// snapshots, sync queue, connectivity monitor, auto-sync scheduler and the
// request policy, behind one explicitly constructed Service.
package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/cache"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/config"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/db"
	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/interceptor"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/logging"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/models"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/connectivity"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/queue"
	"github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/sync/scheduler"
)

// Options configures a Service.
type Options struct {
	// DataDir holds the database. Empty means memory only.
	DataDir string

	APIBase    *url.URL // relative queued URLs resolve against it
	PathPrefix string
	Token      string
	CacheTTL   time.Duration
	MaxRetries int

	Scheduler   *scheduler.SchedulerConfig
	StartOnline bool

	// Network reaches the real API; http.DefaultTransport when nil.
	Network http.RoundTripper
	Logger  *logging.Logger

	// OnReplay and OnDrop observe queue outcomes; either may be nil.
	OnReplay func(item models.PendingSyncItem)
	OnDrop   func(item models.PendingSyncItem, err error)
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	base, err := cfg.APIBaseURL()
	if err != nil {
		return Options{}, err
	}
	return Options{
		DataDir:    cfg.DataDir,
		APIBase:    base,
		PathPrefix: cfg.API.PathPrefix,
		Token:      cfg.API.Token,
		CacheTTL:   cfg.Cache.TTL.D(),
		MaxRetries: cfg.Sync.MaxRetries,
		Scheduler: &scheduler.SchedulerConfig{
			SyncInterval:  cfg.Sync.Interval.D(),
			SettleDelay:   cfg.Sync.SettleDelay.D(),
			ProbeURL:      cfg.Sync.ProbeURL,
			ProbeInterval: cfg.Sync.ProbeInterval.D(),
			PurgeInterval: cfg.Sync.PurgeInterval.D(),
		},
		StartOnline: true,
	}, nil
}

// Service is the offline layer as seen by the host application.
type Service struct {
	store     db.Store
	degraded  bool
	cache     *cache.Manager
	snapshots *cache.Snapshots
	queue     *queue.Queue
	conn      *connectivity.Monitor
	sched     *scheduler.Scheduler
	transport *interceptor.Transport
	client    *http.Client
	log       *logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open builds a Service. When the database cannot be opened the service
// runs on an in-memory store instead; Degraded reports this.
func Open(opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Get()
	}

	s := &Service{log: log}
	if opts.DataDir == "" {
		s.store = db.NewMemoryStore()
		s.degraded = true
	} else {
		store, err := db.OpenStore(opts.DataDir)
		switch {
		case err == nil:
			s.store = store
		case apperrors.Is(err, apperrors.ErrStorageUnavailable):
			log.WarnWithCode("Durable store unavailable, running memory-only", string(apperrors.ErrStorageUnavailable), err,
				map[string]interface{}{"data_dir": opts.DataDir})
			s.store = db.NewMemoryStore()
			s.degraded = true
		default:
			return nil, err
		}
	}

	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}

	s.conn = connectivity.New(opts.StartOnline)
	s.cache = cache.New(s.store, cache.WithLogger(log))
	s.snapshots = cache.NewSnapshots(s.store, cache.WithLogger(log))

	queueOpts := []queue.Option{
		queue.WithClient(&http.Client{Transport: network}),
		queue.WithOnline(s.conn.IsOnline),
		queue.WithMaxRetries(opts.MaxRetries),
		queue.WithLogger(log),
	}
	if opts.APIBase != nil {
		queueOpts = append(queueOpts, queue.WithBaseURL(opts.APIBase))
	}
	if opts.OnReplay != nil {
		queueOpts = append(queueOpts, queue.OnReplay(opts.OnReplay))
	}
	if opts.OnDrop != nil {
		queueOpts = append(queueOpts, queue.OnDrop(opts.OnDrop))
	}
	s.queue = queue.New(s.store, queueOpts...)

	s.sched = scheduler.NewScheduler(s.queue, s.cache, s.conn, opts.Scheduler)

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = cache.DefaultResponseTTL
	}
	s.transport = interceptor.New(network, s.cache, s.queue, s.conn.IsOnline,
		interceptor.WithAPI(opts.APIBase, opts.PathPrefix),
		interceptor.WithToken(opts.Token),
		interceptor.WithCacheTTL(ttl),
		interceptor.WithLogger(log),
	)

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		s.store.Close()
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to create cookie jar", err)
	}
	s.client = &http.Client{Transport: s.transport, Jar: jar}

	return s, nil
}

// Start runs the auto-sync loop until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.sched.Start(ctx)
}

// Close stops the auto-sync loop and closes the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.sched.Stop()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Degraded reports whether the service runs without durable storage.
func (s *Service) Degraded() bool { return s.degraded }

// Client returns an HTTP client whose requests pass through the request
// policy.
func (s *Service) Client() *http.Client { return s.client }

// Transport returns the request policy as a RoundTripper.
func (s *Service) Transport() *interceptor.Transport { return s.transport }

// Cache returns the cache manager.
func (s *Service) Cache() *cache.Manager { return s.cache }

// Snapshots returns the snapshot store.
func (s *Service) Snapshots() *cache.Snapshots { return s.snapshots }

// Queue returns the sync queue.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Scheduler returns the auto-sync scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// CacheData stores data under key; a ttl of zero never expires.
func (s *Service) CacheData(ctx context.Context, key string, data interface{}, ttl time.Duration) {
	s.cache.CacheData(ctx, key, data, ttl)
}

// GetCachedData decodes the fresh value under key into out.
func (s *Service) GetCachedData(ctx context.Context, key string, out interface{}) bool {
	return s.cache.GetCachedData(ctx, key, out)
}

// QueueForSync queues a mutating request. body may be nil, raw bytes, or
// any value that encodes to JSON.
func (s *Service) QueueForSync(ctx context.Context, rawURL, method string, body interface{}, headers map[string]string) (models.UUID, error) {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(b); err != nil {
			return "", apperrors.Wrap(apperrors.ErrEncoding, "failed to encode request body", err)
		}
		if !hasHeader(headers, "Content-Type") {
			h := make(map[string]string, len(headers)+1)
			for k, v := range headers {
				h[k] = v
			}
			h["Content-Type"] = "application/json"
			headers = h
		}
	}

	id, err := s.queue.Enqueue(ctx, rawURL, method, raw, headers)
	if err != nil {
		return "", err
	}
	s.sched.Refresh(ctx)
	return id, nil
}

// SyncPendingRequests drains the queue now, with the same semantics as an
// automatic drain.
func (s *Service) SyncPendingRequests(ctx context.Context) queue.DrainResult {
	return s.sched.SyncNow(ctx)
}

// PendingRequests lists queued requests in replay order.
func (s *Service) PendingRequests(ctx context.Context) ([]models.PendingSyncItem, error) {
	return s.queue.Pending(ctx)
}

// SaveOfflineData stores a snapshot of data under key.
func (s *Service) SaveOfflineData(ctx context.Context, key string, data interface{}) error {
	return s.snapshots.SaveOfflineData(ctx, key, data)
}

// GetOfflineData decodes the snapshot under key into out.
func (s *Service) GetOfflineData(ctx context.Context, key string, out interface{}) bool {
	return s.snapshots.GetOfflineData(ctx, key, out)
}

// SetOnline records a connectivity signal.
func (s *Service) SetOnline(online bool) {
	s.sched.SetOnlineStatus(online)
}

// SetInstallable records whether the host app can currently be installed
// and publishes the change to subscribers.
func (s *Service) SetInstallable(v bool) {
	s.sched.SetInstallable(v)
}

// SetUpdateAvailable records whether a newer build of the host app is
// waiting and publishes the change to subscribers.
func (s *Service) SetUpdateAvailable(v bool) {
	s.sched.SetUpdateAvailable(v)
}

// IsOnline reports the current connectivity state.
func (s *Service) IsOnline() bool {
	return s.conn.IsOnline()
}

// Subscribe returns the status stream; see scheduler.Scheduler.Subscribe.
func (s *Service) Subscribe() (<-chan scheduler.Status, func()) {
	return s.sched.Subscribe()
}

// Status returns the latest status.
func (s *Service) Status(ctx context.Context) scheduler.Status {
	return s.sched.Refresh(ctx)
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if http.CanonicalHeaderKey(k) == name {
			return true
		}
	}
	return false
}
