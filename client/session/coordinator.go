package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsession/client/api"
	"chatsession/client/model"
)

// ErrNotLoggedIn is returned by operations that need an identity.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Authenticator is the part of the REST API the coordinator calls itself.
type Authenticator interface {
	CheckSession(ctx context.Context) (model.Identity, error)
	Logout(ctx context.Context) error
}

// View is what the page layer renders.
type View struct {
	LoggedIn          bool
	Identity          model.Identity
	RemainingSeconds  int
	RenewalPromptOpen bool
	Expired           bool
}

// Requests that precede a session or probe it must not count as activity.
var resetExempt = map[api.Tag]bool{
	api.TagLogin:        true,
	api.TagSignup:       true,
	api.TagSessionCheck: true,
}

// A 401 from these is expected and does not end the session.
var expiryExempt = map[api.Tag]bool{
	api.TagLogin:        true,
	api.TagSessionCheck: true,
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithRenewalThreshold sets when the renewal prompt opens, in remaining seconds.
func WithRenewalThreshold(seconds int) CoordinatorOption {
	return func(c *Coordinator) { c.threshold = seconds }
}

// OnForcedLogout is called once each time the session ends by expiry or a 401.
func OnForcedLogout(fn func()) CoordinatorOption {
	return func(c *Coordinator) { c.onForcedLogout = fn }
}

// OnChange is called with a fresh View after every state change and every tick.
func OnChange(fn func(View)) CoordinatorOption {
	return func(c *Coordinator) { c.onChange = fn }
}

func withTickInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.interval = d }
}

// Coordinator owns the logged-in identity and its session timer and
// observes every REST outcome through the api.Interceptor methods.
type Coordinator struct {
	auth           Authenticator
	timer          *Timer
	logger         *slog.Logger
	threshold      int
	interval       time.Duration
	onForcedLogout func()
	onChange       func(View)

	mu         sync.Mutex
	identity   *model.Identity
	expired    bool
	generation uint64
	cycle      uint64 // timer cycle counting down the current login
}

var _ api.Interceptor = (*Coordinator)(nil)

// NewCoordinator creates a logged-out coordinator.
func NewCoordinator(auth Authenticator, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		auth:      auth,
		logger:    slog.New(slog.DiscardHandler),
		threshold: DefaultRenewalThreshold,
		interval:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "session")
	c.timer = NewTimer(
		WithThreshold(c.threshold),
		WithTimerLogger(c.logger),
		withInterval(c.interval),
		OnTick(func(int) { c.notify() }),
		OnExpire(c.expire),
	)
	return c
}

// Login stores identity and starts its countdown.
func (c *Coordinator) Login(identity model.Identity) {
	if identity.SessionDurationSeconds <= 0 {
		identity.SessionDurationSeconds = int(model.DefaultSessionDuration / time.Second)
	}

	c.mu.Lock()
	c.identity = &identity
	c.expired = false
	c.generation++
	c.cycle = c.timer.Start(identity.SessionDurationSeconds)
	c.mu.Unlock()

	c.logger.Info("logged in", "user_id", identity.ID, "duration", identity.SessionDurationSeconds)
	c.notify()
}

// Logout ends the session. An explicit logout also tells the server, best
// effort; an expiry only raises the expired flag and OnForcedLogout.
// Logging out while logged out does nothing.
func (c *Coordinator) Logout(ctx context.Context, isExpiry bool) {
	c.endSession(ctx, isExpiry, nil)
}

// expire ends the login whose countdown ran out. Expiry of a cycle that has
// since been replaced by a login, renewal or reset is ignored.
func (c *Coordinator) expire(cycle uint64) {
	ended := c.endSession(context.Background(), true, func() bool { return cycle == c.cycle })
	if !ended {
		c.logger.Debug("stale expiry ignored", "cycle", cycle)
	}
}

// endSession logs out when current, checked under c.mu, is nil or reports
// true. It reports whether a session was ended.
func (c *Coordinator) endSession(ctx context.Context, isExpiry bool, current func() bool) bool {
	c.mu.Lock()
	if c.identity == nil || (current != nil && !current()) {
		c.mu.Unlock()
		return false
	}
	id := c.identity.ID
	// Cleared before the REST call so its response is not seen as activity.
	c.identity = nil
	if isExpiry {
		c.expired = true
	}
	c.timer.Stop()
	c.mu.Unlock()

	if isExpiry {
		c.logger.Warn("forced logout", "user_id", id)
		if c.onForcedLogout != nil {
			c.onForcedLogout()
		}
	} else {
		c.logger.Info("logged out", "user_id", id)
		if err := c.auth.Logout(ctx); err != nil {
			c.logger.Warn("server logout failed", "error", err)
		}
	}
	c.notify()
	return true
}

// OnRequestSucceeded restarts the countdown after authenticated activity.
func (c *Coordinator) OnRequestSucceeded(tag api.Tag) {
	if resetExempt[tag] {
		return
	}
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return
	}
	if cycle, ok := c.timer.Reset(); ok {
		c.cycle = cycle
	}
	c.mu.Unlock()
	c.notify()
}

// OnRequestFailed forces a logout when an authenticated request gets a 401.
func (c *Coordinator) OnRequestFailed(status int, tag api.Tag) {
	if status != http.StatusUnauthorized || expiryExempt[tag] {
		return
	}
	if !c.loggedIn() {
		return
	}
	c.logger.Info("request unauthorized", "tag", tag)
	c.Logout(context.Background(), true)
}

// Renew re-validates the session with the server. On success the countdown
// restarts with a closed prompt; on failure the session is force-logged out.
func (c *Coordinator) Renew(ctx context.Context) error {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	gen := c.generation
	c.mu.Unlock()

	identity, err := c.auth.CheckSession(ctx)
	if err != nil {
		c.endSession(context.Background(), true, func() bool { return gen == c.generation })
		return fmt.Errorf("renew session: %w", err)
	}
	if identity.SessionDurationSeconds <= 0 {
		identity.SessionDurationSeconds = int(model.DefaultSessionDuration / time.Second)
	}

	c.mu.Lock()
	if c.identity == nil || gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("renewal result discarded, session changed")
		return nil
	}
	c.identity = &identity
	c.cycle = c.timer.Start(identity.SessionDurationSeconds)
	c.mu.Unlock()

	c.logger.Info("session renewed", "user_id", identity.ID)
	c.notify()
	return nil
}

// Restore logs in from an existing server session. It reports false without
// an error when the server has no session for this client.
func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	identity, err := c.auth.CheckSession(ctx)
	if api.IsUnauthorized(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	c.Login(identity)
	return true, nil
}

// UpdateIdentity replaces the stored identity without touching the countdown,
// e.g. after a nickname change.
func (c *Coordinator) UpdateIdentity(identity model.Identity) error {
	c.mu.Lock()
	if c.identity == nil {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	if identity.SessionDurationSeconds <= 0 {
		identity.SessionDurationSeconds = c.identity.SessionDurationSeconds
	}
	c.identity = &identity
	c.mu.Unlock()

	c.notify()
	return nil
}

// DismissRenewalPrompt closes the prompt without renewing.
func (c *Coordinator) DismissRenewalPrompt() {
	c.timer.DismissPrompt()
	c.notify()
}

// AcknowledgeExpiry clears the expired flag once the notice has been shown.
func (c *Coordinator) AcknowledgeExpiry() {
	c.mu.Lock()
	c.expired = false
	c.mu.Unlock()
	c.notify()
}

// View returns a snapshot for rendering.
func (c *Coordinator) View() View {
	ts := c.timer.State()

	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{Expired: c.expired}
	if c.identity != nil {
		v.LoggedIn = true
		v.Identity = *c.identity
		v.RemainingSeconds = ts.RemainingSeconds
		v.RenewalPromptOpen = ts.RenewalPromptOpen
	}
	return v
}

func (c *Coordinator) loggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange(c.View())
	}
}
