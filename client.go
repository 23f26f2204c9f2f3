package diabetactic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ReadingRecord is a reading as held in the local cache.
type ReadingRecord struct {
	LocalID   string    `json:"local_id"`
	SyncState SyncState `json:"sync_state"`
	Reading
}

// AppointmentRecord is an appointment as held in the local cache.
type AppointmentRecord struct {
	LocalID   string    `json:"local_id"`
	SyncState SyncState `json:"sync_state"`
	Appointment
}

// Option customizes a Client beyond Config.
type Option func(*clientOptions)

type clientOptions struct {
	mock       http.Handler
	httpClient *http.Client
	store      LocalStore
	sleep      Sleeper
	now        func() time.Time
	logger     *logrus.Logger
}

// WithMockBackend serves mock mode from h instead of a fresh MockBackend.
func WithMockBackend(h http.Handler) Option {
	return func(o *clientOptions) { o.mock = h }
}

// WithHTTPClient sets the HTTP client used in local and cloud modes.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithStore replaces the store built from Config. The client closes it.
func WithStore(s LocalStore) Option {
	return func(o *clientOptions) { o.store = s }
}

// WithSleeper replaces real waits in retry and sync backoff.
func WithSleeper(fn Sleeper) Option {
	return func(o *clientOptions) { o.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithLogger replaces the logger built from Config.
func WithLogger(l *logrus.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// Client is the main interface to the gateway and the offline cache.
type Client struct {
	config  Config
	backend BackendConfig
	store   LocalStore
	d       *Dispatcher
	syncer  *Syncer
	metrics *Metrics
	log     *logrus.Logger
	now     func() time.Time

	mu        sync.Mutex
	closed    bool
	logCloser io.Closer
}

// New creates a client: resolves the backend, opens the local store and
// wires the dispatcher and syncer.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	log, logCloser := o.logger, io.Closer(nopCloser{})
	if log == nil {
		var err error
		log, logCloser, err = NewLogger(cfg.Debug, cfg.DebugLogPath)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	backend, err := ResolveBackend(cfg.Mode, cfg.Platform, ResolveOptions{
		LocalHost:      cfg.LocalHost,
		CloudURL:       cfg.CloudURL,
		RequestTimeout: cfg.RequestTimeout,
		TestHarness:    cfg.TestHarness,
		Logger:         log,
	})
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	st := o.store
	if st == nil {
		if cfg.MemoryStore {
			st = NewMemoryStore()
		} else {
			st, err = NewSQLiteStore(cfg.LocalPath)
			if err != nil {
				logCloser.Close()
				return nil, fmt.Errorf("client: %w", err)
			}
		}
	}

	metrics := NewMetrics()
	auth := NewAuthenticator(nil, log, metrics)
	auth.now = o.now

	d := NewDispatcher(backend, DispatcherOptions{
		Mock:       o.mock,
		HTTPClient: o.httpClient,
		Retry:      RetryPolicy{MaxAttempts: cfg.RetryAttempts, Sleep: o.sleep},
		Auth:       auth,
		UserAgent:  cfg.UserAgent,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		Logger:     log,
		Metrics:    metrics,
	})

	syncer := NewSyncer(st, d, SyncerOptions{
		MaxAttempts: cfg.MaxSyncAttempts,
		BackoffBase: cfg.SyncBackoffBase,
		BackoffCap:  cfg.SyncBackoffCap,
		Concurrency: cfg.SyncConcurrency,
		Now:         o.now,
		Sleep:       o.sleep,
		Logger:      log,
		Metrics:     metrics,
	})
	syncer.SetOnline(!cfg.StartOffline)

	auth.OnLogout(func() {
		log.Warn("session expired; login required")
	})

	log.WithFields(logrus.Fields{
		"mode":     string(backend.Mode),
		"base_url": backend.BaseURL,
		"platform": string(backend.Platform),
	}).Debug("client ready")

	return &Client{
		config:    cfg,
		backend:   backend,
		store:     st,
		d:         d,
		syncer:    syncer,
		metrics:   metrics,
		log:       log,
		now:       o.now,
		logCloser: logCloser,
	}, nil
}

// Backend returns the resolved backend.
func (c *Client) Backend() BackendConfig { return c.backend }

// Metrics returns the client's collectors.
func (c *Client) Metrics() *Metrics { return c.metrics }

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session { return c.d.Auth().Session() }

// Login authenticates with the password grant, loads the profile and binds
// the local store to the user.
func (c *Client) Login(ctx context.Context, username, password string) (*Profile, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
	}
	var tok TokenResponse
	if err := c.d.ExecuteJSON(ctx, OpAuthToken, NoParams{}, form, &tok); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("login: %w", &GatewayError{Kind: BadRequest, Operation: OpAuthToken, Err: errors.New("empty access token")})
	}

	auth := c.d.Auth()
	session := NewSession(&tok, c.now())
	auth.SetSession(session)

	profile, err := c.Profile(ctx)
	if err != nil {
		auth.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}

	userID := profile.UserID()
	if err := c.store.BindUser(ctx, userID); err != nil {
		auth.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	session.UserID = userID
	auth.SetSession(session)

	c.log.WithField("user", userID).Info("logged in")
	return profile, nil
}

// Logout drops the session. Cached data and queued writes stay for the
// next login of the same user; use ClearLocalData to remove them.
func (c *Client) Logout() {
	c.d.Auth().Logout()
}

// ClearLocalData wipes the cache, the queue and the user binding.
func (c *Client) ClearLocalData(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// Profile fetches the authenticated user.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.d.ExecuteJSON(ctx, OpAuthProfile, NoParams{}, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// HealthCheck queries the gateway health endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	var h HealthStatus
	if err := c.d.ExecuteJSON(ctx, OpHealth, NoParams{}, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Execute runs a raw operation through the pipeline.
func (c *Client) Execute(ctx context.Context, key string, params Params, body any) (*Response, error) {
	return c.d.Execute(ctx, key, params, body)
}

// RecordReading stores a new reading. It is uploaded immediately when
// possible and queued otherwise.
func (c *Client) RecordReading(ctx context.Context, r Reading) (*ReadingRecord, error) {
	if err := validateReading(&r); err != nil {
		return nil, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now().UTC()
	}
	r.ID = ""
	e, err := c.write(ctx, QueueCreate, newEntity(KindReading, ulid.Make().String(), r))
	if err != nil {
		return nil, err
	}
	return readingRecord(e)
}

// UpdateReading replaces a cached reading.
func (c *Client) UpdateReading(ctx context.Context, localID string, r Reading) (*ReadingRecord, error) {
	if err := validateReading(&r); err != nil {
		return nil, err
	}
	cur, err := c.liveEntity(ctx, KindReading, localID)
	if err != nil {
		return nil, err
	}
	r.ID = ServerID(cur.ServerID)
	if r.CreatedAt.IsZero() {
		var old Reading
		if cur.Decode(&old) == nil {
			r.CreatedAt = old.CreatedAt
		}
	}
	e := newEntity(KindReading, localID, r)
	e.ServerID, e.CreatedAt = cur.ServerID, cur.CreatedAt
	if e, err = c.write(ctx, QueueUpdate, e); err != nil {
		return nil, err
	}
	return readingRecord(e)
}

// DeleteReading removes a cached reading and its server copy.
func (c *Client) DeleteReading(ctx context.Context, localID string) error {
	return c.remove(ctx, KindReading, localID)
}

// Readings returns the user's readings, newest first. The cache is
// refreshed from the gateway when reachable and served as is otherwise.
func (c *Client) Readings(ctx context.Context) ([]ReadingRecord, error) {
	if err := c.refresh(ctx, KindReading, OpGlucoseMine, "readings"); err != nil {
		return nil, err
	}
	ents, err := c.liveEntities(ctx, KindReading)
	if err != nil {
		return nil, err
	}
	out := make([]ReadingRecord, 0, len(ents))
	for i := range ents {
		rec, err := readingRecord(&ents[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// LatestReading returns the most recent reading, falling back to the
// cache when the gateway is unavailable.
func (c *Client) LatestReading(ctx context.Context) (*Reading, error) {
	if c.reachable() {
		var r Reading
		err := c.d.ExecuteJSON(ctx, OpGlucoseLatest, NoParams{}, nil, &r)
		if err == nil {
			return &r, nil
		}
		if !IsUnavailable(err) {
			return nil, err
		}
		c.log.WithError(err).Debug("latest reading from cache")
	}

	ents, err := c.liveEntities(ctx, KindReading)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, ErrNotFound
	}
	var latest *Reading
	for i := range ents {
		var r Reading
		if err := ents[i].Decode(&r); err != nil {
			return nil, err
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = &r
		}
	}
	return latest, nil
}

// RecordAppointment requests a new appointment.
func (c *Client) RecordAppointment(ctx context.Context, a Appointment) (*AppointmentRecord, error) {
	if a.Date == "" {
		return nil, &GatewayError{Kind: BadRequest, Operation: OpAppointmentsCreate, Err: errors.New("date is required")}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.now().UTC()
	}
	a.ID = ""
	e, err := c.write(ctx, QueueCreate, newEntity(KindAppointment, ulid.Make().String(), a))
	if err != nil {
		return nil, err
	}
	return appointmentRecord(e)
}

// UpdateAppointment replaces a cached appointment.
func (c *Client) UpdateAppointment(ctx context.Context, localID string, a Appointment) (*AppointmentRecord, error) {
	cur, err := c.liveEntity(ctx, KindAppointment, localID)
	if err != nil {
		return nil, err
	}
	a.ID = ServerID(cur.ServerID)
	e := newEntity(KindAppointment, localID, a)
	e.ServerID, e.CreatedAt = cur.ServerID, cur.CreatedAt
	if e, err = c.write(ctx, QueueUpdate, e); err != nil {
		return nil, err
	}
	return appointmentRecord(e)
}

// DeleteAppointment removes a cached appointment and its server copy.
func (c *Client) DeleteAppointment(ctx context.Context, localID string) error {
	return c.remove(ctx, KindAppointment, localID)
}

// Appointments returns the user's appointments, newest first.
func (c *Client) Appointments(ctx context.Context) ([]AppointmentRecord, error) {
	if err := c.refresh(ctx, KindAppointment, OpAppointmentsMine, "appointments"); err != nil {
		return nil, err
	}
	ents, err := c.liveEntities(ctx, KindAppointment)
	if err != nil {
		return nil, err
	}
	out := make([]AppointmentRecord, 0, len(ents))
	for i := range ents {
		rec, err := appointmentRecord(&ents[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// AppointmentState returns the user's appointment queue state.
func (c *Client) AppointmentState(ctx context.Context) (*AppointmentQueueState, error) {
	var s AppointmentQueueState
	if err := c.online(ctx, OpAppointmentsState, NoParams{}, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppointmentPlacement returns the user's place in the appointment queue.
func (c *Client) AppointmentPlacement(ctx context.Context) (*AppointmentPlacement, error) {
	var p AppointmentPlacement
	if err := c.online(ctx, OpAppointmentsPlacement, NoParams{}, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SubmitAppointment joins the appointment queue.
func (c *Client) SubmitAppointment(ctx context.Context) (*AppointmentSubmission, error) {
	var s AppointmentSubmission
	if err := c.online(ctx, OpAppointmentsSubmit, NoParams{}, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AppointmentResolution returns the clinical resolution of an uploaded
// appointment, addressed by its server id.
func (c *Client) AppointmentResolution(ctx context.Context, serverID string) (*AppointmentResolution, error) {
	var r AppointmentResolution
	if err := c.online(ctx, OpAppointmentsResolution, IDParams{ID: Ptr(serverID)}, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SetOnline records connectivity without triggering a sync.
func (c *Client) SetOnline(online bool) { c.syncer.SetOnline(online) }

// Online reports the last recorded connectivity.
func (c *Client) Online() bool { return c.syncer.Online() }

// NotifyConnectivity records connectivity and drains the queue when it
// comes back.
func (c *Client) NotifyConnectivity(ctx context.Context, online bool) error {
	was := c.syncer.Online()
	c.syncer.SetOnline(online)
	if !online || was {
		return nil
	}
	return c.syncer.Trigger(ctx, TriggerConnectivity)
}

// NotifyForeground drains the queue when the app returns to the foreground.
// It is a no-op while offline.
func (c *Client) NotifyForeground(ctx context.Context) error {
	if !c.syncer.Online() {
		return nil
	}
	return c.syncer.Trigger(ctx, TriggerForeground)
}

// SyncNow drains the queue on user request. Returns ErrOffline when offline.
func (c *Client) SyncNow(ctx context.Context) error {
	return c.syncer.Trigger(ctx, TriggerManual)
}

// SyncStatus reports the sync processor state.
func (c *Client) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	return c.syncer.Status(ctx)
}

// Conflicts lists queued writes that need user attention.
func (c *Client) Conflicts(ctx context.Context) ([]QueueEntry, error) {
	return c.syncer.Conflicts(ctx)
}

// DismissConflict drops a conflicting write.
func (c *Client) DismissConflict(ctx context.Context, entryID int64) error {
	return c.syncer.DismissConflict(ctx, entryID)
}

// RetryConflict requeues a conflicting write.
func (c *Client) RetryConflict(ctx context.Context, entryID int64) error {
	return c.syncer.RetryConflict(ctx, entryID)
}

// QueueStats returns sync queue counters.
func (c *Client) QueueStats(ctx context.Context) (*QueueStats, error) {
	return c.store.Stats(ctx)
}

// Close closes the local store and the debug log.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.store.Close()
	if cerr := c.logCloser.Close(); err == nil {
		err = cerr
	}
	return err
}

// reachable reports whether network reads should be attempted.
func (c *Client) reachable() bool {
	return c.backend.IsMock() || c.syncer.Online()
}

// online runs an operation that has no offline fallback.
func (c *Client) online(ctx context.Context, key string, params Params, body, out any) error {
	if !c.reachable() {
		return ErrOffline
	}
	return c.d.ExecuteJSON(ctx, key, params, body, out)
}

// write applies a create or update locally and remotely. The upload is
// attempted right away when online and the entity has nothing queued;
// otherwise, or when the upload fails transiently, the write is queued.
func (c *Client) write(ctx context.Context, op QueueOperation, e *Entity) (*Entity, error) {
	key := writeOps[e.Kind][op]
	mock := c.backend.IsMock()

	direct := mock || c.syncer.Online()
	if direct && op != QueueCreate {
		queued, err := c.hasQueued(ctx, e.Kind, e.LocalID)
		if err != nil {
			return nil, err
		}
		direct = !queued
	}
	if !direct {
		return c.enqueue(ctx, op, e)
	}

	if _, err := c.store.UserID(ctx); err != nil {
		return nil, err
	}

	pr, err := push(ctx, c.d, e.Kind, op, e.ServerID, e.Payload)
	switch {
	case err == nil:
		if pr.ServerID != "" {
			e.ServerID = pr.ServerID
		}
		if pr.Payload != nil {
			e.Payload = pr.Payload
		}
		e.SyncState = SyncSynced
		if err := c.store.UpsertEntity(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	case !mock && (IsRetryable(err) || errors.Is(err, ErrAuthExpired)):
		c.log.WithError(err).WithField("op", key).Info("upload failed, queued for sync")
		return c.enqueue(ctx, op, e)
	default:
		return nil, err
	}
}

// remove deletes an entity locally and remotely.
func (c *Client) remove(ctx context.Context, kind EntityKind, localID string) error {
	cur, err := c.liveEntity(ctx, kind, localID)
	if err != nil {
		return err
	}

	queued, err := c.hasQueued(ctx, kind, localID)
	if err != nil {
		return err
	}
	if cur.ServerID == "" && !queued {
		return c.store.DeleteEntity(ctx, kind, localID)
	}

	mock := c.backend.IsMock()
	if queued || !(mock || c.syncer.Online()) {
		_, err := c.enqueue(ctx, QueueDelete, cur)
		return err
	}

	_, err = push(ctx, c.d, kind, QueueDelete, cur.ServerID, cur.Payload)
	switch {
	case err == nil:
		if err := c.store.DeleteEntity(ctx, kind, localID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	case !mock && (IsRetryable(err) || errors.Is(err, ErrAuthExpired)):
		c.log.WithError(err).WithField("op", writeOps[kind][QueueDelete]).Info("delete failed, queued for sync")
		_, err := c.enqueue(ctx, QueueDelete, cur)
		return err
	default:
		return err
	}
}

func (c *Client) enqueue(ctx context.Context, op QueueOperation, e *Entity) (*Entity, error) {
	entry, err := c.store.SaveWithEntry(ctx, e, op)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"entry_id": entry.EntryID,
		"kind":     string(e.Kind),
		"op":       string(op),
	}).Debug("write queued")
	return e, nil
}

// hasQueued reports whether the entity has unfinished queue entries, which
// must be sent before any newer write.
func (c *Client) hasQueued(ctx context.Context, kind EntityKind, localID string) (bool, error) {
	entries, err := c.store.ListEntries(ctx, StatusPending, StatusInFlight, StatusFailed)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Kind == kind && e.LocalID == localID {
			return true, nil
		}
	}
	return false, nil
}

// liveEntity loads an entity that is not pending deletion.
func (c *Client) liveEntity(ctx context.Context, kind EntityKind, localID string) (*Entity, error) {
	e, err := c.store.GetEntity(ctx, kind, localID)
	if err != nil {
		return nil, err
	}
	if e.SyncState == SyncPendingDelete {
		return nil, ErrNotFound
	}
	return e, nil
}

func (c *Client) liveEntities(ctx context.Context, kind EntityKind) ([]Entity, error) {
	all, err := c.store.ListEntities(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.SyncState != SyncPendingDelete {
			out = append(out, e)
		}
	}
	return out, nil
}

// refresh reconciles the cache with the server list. Unavailability is not
// an error: the cache is served as is.
func (c *Client) refresh(ctx context.Context, kind EntityKind, key, field string) error {
	if _, err := c.store.UserID(ctx); err != nil {
		return err
	}
	if !c.reachable() {
		return nil
	}

	var body map[string][]json.RawMessage
	err := c.d.ExecuteJSON(ctx, key, NoParams{}, nil, &body)
	if IsUnavailable(err) {
		c.log.WithError(err).WithField("op", key).Debug("serving cached data")
		return nil
	}
	if err != nil {
		return err
	}
	return c.reconcile(ctx, kind, body[field])
}

// reconcile applies the server list to the cache. Entities with local
// changes keep their local copy; synced entities missing from the server
// are dropped.
func (c *Client) reconcile(ctx context.Context, kind EntityKind, items []json.RawMessage) error {
	seen := make(map[string]bool, len(items))
	for _, raw := range items {
		var item struct {
			ID        ServerID  `json:"id"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			continue
		}
		id := string(item.ID)
		seen[id] = true

		cur, err := c.store.FindByServerID(ctx, kind, id)
		switch {
		case errors.Is(err, ErrNotFound):
			e := &Entity{
				Kind:      kind,
				LocalID:   ulid.Make().String(),
				ServerID:  id,
				Payload:   raw,
				SyncState: SyncSynced,
				CreatedAt: item.CreatedAt,
			}
			if err := c.store.UpsertEntity(ctx, e); err != nil {
				return err
			}
		case err != nil:
			return err
		case cur.SyncState == SyncSynced:
			cur.Payload = raw
			if err := c.store.UpsertEntity(ctx, cur); err != nil {
				return err
			}
		}
	}

	cached, err := c.store.ListEntities(ctx, kind)
	if err != nil {
		return err
	}
	for _, e := range cached {
		if e.SyncState == SyncSynced && e.ServerID != "" && !seen[e.ServerID] {
			if err := c.store.DeleteEntity(ctx, kind, e.LocalID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func newEntity(kind EntityKind, localID string, v any) *Entity {
	payload, _ := json.Marshal(v)
	return &Entity{Kind: kind, LocalID: localID, Payload: payload}
}

func validateReading(r *Reading) error {
	switch {
	case r.GlucoseLevel <= 0:
		return &GatewayError{Kind: BadRequest, Operation: OpGlucoseCreate, Err: errors.New("glucose level must be positive")}
	case r.ReadingType == "":
		return &GatewayError{Kind: BadRequest, Operation: OpGlucoseCreate, Err: errors.New("reading type is required")}
	}
	return nil
}

func readingRecord(e *Entity) (*ReadingRecord, error) {
	rec := &ReadingRecord{LocalID: e.LocalID, SyncState: e.SyncState}
	if err := e.Decode(&rec.Reading); err != nil {
		return nil, err
	}
	if e.ServerID != "" {
		rec.ID = ServerID(e.ServerID)
	}
	return rec, nil
}

func appointmentRecord(e *Entity) (*AppointmentRecord, error) {
	rec := &AppointmentRecord{LocalID: e.LocalID, SyncState: e.SyncState}
	if err := e.Decode(&rec.Appointment); err != nil {
		return nil, err
	}
	if e.ServerID != "" {
		rec.ID = ServerID(e.ServerID)
	}
	return rec, nil
}
