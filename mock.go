package diabetactic

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MockUser is an account known to the mock backend.
type MockUser struct {
	Password string
	Profile  Profile
}

// MockOptions configures a MockBackend.
type MockOptions struct {
	// Users maps usernames to accounts. Defaults to one demo user
	// "12345678A" with password "password".
	Users map[string]MockUser

	// TokenTTL is the access token lifetime. Default 1h.
	TokenTTL time.Duration

	Now func() time.Time
}

type mockToken struct {
	username string
	expires  time.Time
}

type mockAccount struct {
	readings     []Reading
	appointments []Appointment
	queued       bool
	placement    int
}

// MockBackend is an in-memory implementation of the gateway API used by
// the mock backend mode. It serves every registered operation.
type MockBackend struct {
	router chi.Router
	opts   MockOptions
	key    []byte

	mu        sync.Mutex
	tokens    map[string]mockToken
	refreshes map[string]string
	accounts  map[string]*mockAccount
	calls     map[string]int
	queueLen  int
}

// NewMockBackend creates a mock gateway.
func NewMockBackend(opts MockOptions) *MockBackend {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Users == nil {
		opts.Users = map[string]MockUser{
			"12345678A": {
				Password: "password",
				Profile: Profile{
					ID:      "1",
					DNI:     "12345678A",
					Name:    "Demo",
					Surname: "Patient",
					Email:   "demo@diabetactic.com",
				},
			},
		}
	}

	m := &MockBackend{
		opts:      opts,
		key:       []byte(uuid.NewString()),
		tokens:    make(map[string]mockToken),
		refreshes: make(map[string]string),
		accounts:  make(map[string]*mockAccount),
		calls:     make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(m.count)
	r.Get("/health", m.health)
	r.Post("/token", m.token)
	r.Group(func(r chi.Router) {
		r.Use(m.authenticate)
		r.Get("/users/me", m.profile)

		r.Get("/glucose/mine", m.listReadings)
		r.Get("/glucose/mine/latest", m.latestReading)
		r.Post("/glucose/create", m.createReading)
		r.Put("/glucose/{id}", m.updateReading)
		r.Delete("/glucose/{id}", m.deleteReading)

		r.Get("/appointments/mine", m.listAppointments)
		r.Post("/appointments/create", m.createAppointment)
		r.Put("/appointments/{id}", m.updateAppointment)
		r.Delete("/appointments/{id}", m.deleteAppointment)
		r.Get("/appointments/state", m.queueState)
		r.Get("/appointments/placement", m.queuePlacement)
		r.Post("/appointments/submit", m.submit)
		r.Get("/appointments/{id}/resolution", m.resolution)
	})
	m.router = r
	return m
}

func (m *MockBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// Calls returns how many requests hit "METHOD /path".
func (m *MockBackend) Calls(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method+" "+path]
}

// ExpireTokens invalidates every issued access token. Refresh tokens stay
// valid, so the next authenticated call goes through a refresh.
func (m *MockBackend) ExpireTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]mockToken)
}

// RevokeSessions invalidates access and refresh tokens.
func (m *MockBackend) RevokeSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[string]mockToken)
	m.refreshes = make(map[string]string)
}

func (m *MockBackend) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.Method+" "+r.URL.Path]++
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type mockUserKey struct{}

func (m *MockBackend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		m.mu.Lock()
		t, ok := m.tokens[token]
		m.mu.Unlock()
		if token == "" || !ok || !m.opts.Now().Before(t.expires) {
			writeMockError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), mockUserKey{}, t.username)))
	})
}

func (m *MockBackend) health(w http.ResponseWriter, r *http.Request) {
	writeMockJSON(w, http.StatusOK, HealthStatus{Status: "ok"})
}

func (m *MockBackend) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeMockError(w, http.StatusBadRequest, "invalid form")
		return
	}

	var username string
	if r.PostForm.Get("grant_type") == "refresh_token" {
		m.mu.Lock()
		u, ok := m.refreshes[r.PostForm.Get("refresh_token")]
		if ok {
			delete(m.refreshes, r.PostForm.Get("refresh_token"))
		}
		m.mu.Unlock()
		if !ok {
			writeMockError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		username = u
	} else {
		username = r.PostForm.Get("username")
		user, ok := m.opts.Users[username]
		if !ok || user.Password != r.PostForm.Get("password") {
			writeMockError(w, http.StatusUnauthorized, "incorrect username or password")
			return
		}
	}

	now := m.opts.Now()
	expires := now.Add(m.opts.TokenTTL)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString(m.key)
	if err != nil {
		writeMockError(w, http.StatusInternalServerError, "sign token")
		return
	}
	refresh := uuid.NewString()

	m.mu.Lock()
	m.tokens[access] = mockToken{username: username, expires: expires}
	m.refreshes[refresh] = username
	m.mu.Unlock()

	writeMockJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		RefreshToken: refresh,
		ExpiresIn:    int(m.opts.TokenTTL / time.Second),
	})
}

func (m *MockBackend) profile(w http.ResponseWriter, r *http.Request) {
	username := mockUser(r)
	m.mu.Lock()
	p := m.opts.Users[username].Profile
	acct := m.account(username)
	p.TimesMeasured = len(acct.readings)
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, p)
}

func (m *MockBackend) listReadings(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	readings := append([]Reading(nil), m.account(mockUser(r)).readings...)
	m.mu.Unlock()

	sort.SliceStable(readings, func(i, j int) bool { return readings[i].CreatedAt.After(readings[j].CreatedAt) })
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit >= 0 && limit < len(readings) {
		readings = readings[:limit]
	}
	writeMockJSON(w, http.StatusOK, map[string]any{"readings": readings})
}

func (m *MockBackend) latestReading(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	readings := m.account(mockUser(r)).readings
	var latest *Reading
	for i := range readings {
		if latest == nil || !readings[i].CreatedAt.Before(latest.CreatedAt) {
			latest = &readings[i]
		}
	}
	var out Reading
	if latest != nil {
		out = *latest
	}
	m.mu.Unlock()

	if latest == nil {
		writeMockError(w, http.StatusNotFound, "no readings")
		return
	}
	writeMockJSON(w, http.StatusOK, out)
}

func (m *MockBackend) createReading(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level, err := strconv.ParseFloat(q.Get("glucose_level"), 64)
	if err != nil || level <= 0 {
		writeMockError(w, http.StatusUnprocessableEntity, "glucose_level must be a positive number")
		return
	}
	if q.Get("reading_type") == "" {
		writeMockError(w, http.StatusUnprocessableEntity, "reading_type is required")
		return
	}

	reading := Reading{
		ID:           ServerID(uuid.NewString()),
		GlucoseLevel: level,
		ReadingType:  q.Get("reading_type"),
		Notes:        q.Get("notes"),
		CreatedAt:    m.opts.Now().UTC(),
	}
	var body Reading
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && !body.CreatedAt.IsZero() {
		reading.CreatedAt = body.CreatedAt.UTC()
	}

	m.mu.Lock()
	acct := m.account(mockUser(r))
	acct.readings = append(acct.readings, reading)
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, reading)
}

func (m *MockBackend) updateReading(w http.ResponseWriter, r *http.Request) {
	var body Reading
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMockError(w, http.StatusUnprocessableEntity, "invalid reading")
		return
	}
	id := ServerID(chi.URLParam(r, "id"))

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(mockUser(r))
	for i := range acct.readings {
		if acct.readings[i].ID == id {
			body.ID = id
			if body.CreatedAt.IsZero() {
				body.CreatedAt = acct.readings[i].CreatedAt
			}
			acct.readings[i] = body
			writeMockJSON(w, http.StatusOK, body)
			return
		}
	}
	writeMockError(w, http.StatusNotFound, "reading not found")
}

func (m *MockBackend) deleteReading(w http.ResponseWriter, r *http.Request) {
	id := ServerID(chi.URLParam(r, "id"))

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(mockUser(r))
	for i := range acct.readings {
		if acct.readings[i].ID == id {
			acct.readings = append(acct.readings[:i], acct.readings[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeMockError(w, http.StatusNotFound, "reading not found")
}

func (m *MockBackend) listAppointments(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	appts := append([]Appointment(nil), m.account(mockUser(r)).appointments...)
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, map[string]any{"appointments": appts})
}

func (m *MockBackend) createAppointment(w http.ResponseWriter, r *http.Request) {
	var body Appointment
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Date == "" {
		writeMockError(w, http.StatusUnprocessableEntity, "date is required")
		return
	}
	appt := Appointment{
		ID:        ServerID(uuid.NewString()),
		Date:      body.Date,
		Reason:    body.Reason,
		Status:    "pending",
		CreatedAt: m.opts.Now().UTC(),
	}

	m.mu.Lock()
	acct := m.account(mockUser(r))
	acct.appointments = append(acct.appointments, appt)
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, appt)
}

func (m *MockBackend) updateAppointment(w http.ResponseWriter, r *http.Request) {
	var body Appointment
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMockError(w, http.StatusUnprocessableEntity, "invalid appointment")
		return
	}
	id := ServerID(chi.URLParam(r, "id"))

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(mockUser(r))
	for i := range acct.appointments {
		if acct.appointments[i].ID == id {
			cur := &acct.appointments[i]
			if body.Date != "" {
				cur.Date = body.Date
			}
			cur.Reason = body.Reason
			writeMockJSON(w, http.StatusOK, *cur)
			return
		}
	}
	writeMockError(w, http.StatusNotFound, "appointment not found")
}

func (m *MockBackend) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id := ServerID(chi.URLParam(r, "id"))

	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(mockUser(r))
	for i := range acct.appointments {
		if acct.appointments[i].ID == id {
			acct.appointments = append(acct.appointments[:i], acct.appointments[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeMockError(w, http.StatusNotFound, "appointment not found")
}

func (m *MockBackend) queueState(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	state := "NONE"
	if m.account(mockUser(r)).queued {
		state = "PENDING"
	}
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, AppointmentQueueState{State: state})
}

func (m *MockBackend) queuePlacement(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	acct := m.account(mockUser(r))
	queued, placement := acct.queued, acct.placement
	m.mu.Unlock()
	if !queued {
		writeMockError(w, http.StatusNotFound, "not in queue")
		return
	}
	writeMockJSON(w, http.StatusOK, AppointmentPlacement{Placement: placement})
}

func (m *MockBackend) submit(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	acct := m.account(mockUser(r))
	if !acct.queued {
		m.queueLen++
		acct.queued = true
		acct.placement = m.queueLen
	}
	out := map[string]any{"state": "PENDING", "placement": acct.placement}
	m.mu.Unlock()
	writeMockJSON(w, http.StatusOK, out)
}

func (m *MockBackend) resolution(w http.ResponseWriter, r *http.Request) {
	id := ServerID(chi.URLParam(r, "id"))

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.account(mockUser(r)).appointments {
		if a.ID == id {
			writeMockJSON(w, http.StatusOK, AppointmentResolution{AppointmentID: id, Status: a.Status})
			return
		}
	}
	writeMockError(w, http.StatusNotFound, "appointment not found")
}

// account must be called with m.mu held.
func (m *MockBackend) account(username string) *mockAccount {
	acct, ok := m.accounts[username]
	if !ok {
		acct = &mockAccount{}
		m.accounts[username] = acct
	}
	return acct
}

func mockUser(r *http.Request) string {
	u, _ := r.Context().Value(mockUserKey{}).(string)
	return u
}

func writeMockJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMockError(w http.ResponseWriter, status int, detail string) {
	writeMockJSON(w, status, map[string]string{"detail": detail})
}
