package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsession/brokertest"
	"chatsession/client/api"
	"chatsession/client/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	mu        sync.Mutex
	identity  model.Identity
	checkErr  error
	logoutErr error
	checks    int
	logouts   int
	onCheck   func()
	onLogout  func()
}

func (f *fakeAuth) CheckSession(ctx context.Context) (model.Identity, error) {
	f.mu.Lock()
	f.checks++
	id, err, hook := f.identity, f.checkErr, f.onCheck
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return id, err
}

func (f *fakeAuth) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logouts++
	err, hook := f.logoutErr, f.onLogout
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeAuth) logoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

var alice = model.Identity{ID: 1, DisplayName: "alice", SessionDurationSeconds: 65}

func newCoordinator(auth Authenticator, opts ...CoordinatorOption) (*Coordinator, *atomic.Int32) {
	var forced atomic.Int32
	opts = append([]CoordinatorOption{
		withTickInterval(0),
		OnForcedLogout(func() { forced.Add(1) }),
	}, opts...)
	return NewCoordinator(auth, opts...), &forced
}

func TestCoordinator_PromptThenForcedLogout(t *testing.T) {
	auth := &fakeAuth{}
	c, forced := newCoordinator(auth, WithRenewalThreshold(60))
	c.Login(alice)

	advance(c.timer, 5)
	v := c.View()
	assert.True(t, v.LoggedIn)
	assert.True(t, v.RenewalPromptOpen)
	assert.Equal(t, 60, v.RemainingSeconds)

	advance(c.timer, 60)
	v = c.View()
	assert.False(t, v.LoggedIn)
	assert.True(t, v.Expired)
	assert.Equal(t, int32(1), forced.Load())
	assert.Equal(t, 0, auth.logoutCount())

	advance(c.timer, 10)
	assert.Equal(t, int32(1), forced.Load())
}

func TestCoordinator_UnauthorizedEscalation(t *testing.T) {
	tests := []struct {
		tag        api.Tag
		status     int
		wantLogout bool
	}{
		{tag: api.TagMessages, status: http.StatusUnauthorized, wantLogout: true},
		{tag: api.TagRoomInfo, status: http.StatusUnauthorized, wantLogout: true},
		{tag: api.TagInvite, status: http.StatusUnauthorized, wantLogout: true},
		{tag: api.TagSignup, status: http.StatusUnauthorized, wantLogout: true},
		{tag: api.TagLogin, status: http.StatusUnauthorized, wantLogout: false},
		{tag: api.TagSessionCheck, status: http.StatusUnauthorized, wantLogout: false},
		{tag: api.TagMessages, status: http.StatusInternalServerError, wantLogout: false},
		{tag: api.TagMessages, status: 0, wantLogout: false},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag)+"/"+http.StatusText(tt.status), func(t *testing.T) {
			c, forced := newCoordinator(&fakeAuth{})
			c.Login(alice)
			c.OnRequestFailed(tt.status, tt.tag)

			v := c.View()
			assert.Equal(t, !tt.wantLogout, v.LoggedIn)
			assert.Equal(t, tt.wantLogout, v.Expired)
			assert.Equal(t, tt.wantLogout, forced.Load() == 1)
		})
	}
}

func TestCoordinator_RepeatedUnauthorizedForcesOnce(t *testing.T) {
	c, forced := newCoordinator(&fakeAuth{})
	c.Login(alice)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnRequestFailed(http.StatusUnauthorized, api.TagMessages)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), forced.Load())
}

func TestCoordinator_ActivityResetsTimer(t *testing.T) {
	tests := []struct {
		tag       api.Tag
		wantReset bool
	}{
		{tag: api.TagMessages, wantReset: true},
		{tag: api.TagRoomInfo, wantReset: true},
		{tag: api.TagInvite, wantReset: true},
		{tag: api.TagRooms, wantReset: true},
		{tag: api.TagLogin, wantReset: false},
		{tag: api.TagSignup, wantReset: false},
		{tag: api.TagSessionCheck, wantReset: false},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			c, _ := newCoordinator(&fakeAuth{})
			c.Login(alice)
			advance(c.timer, 10)
			require.True(t, c.View().RenewalPromptOpen)

			c.OnRequestSucceeded(tt.tag)
			v := c.View()
			if tt.wantReset {
				assert.Equal(t, 65, v.RemainingSeconds)
				assert.False(t, v.RenewalPromptOpen)
			} else {
				assert.Equal(t, 55, v.RemainingSeconds)
				assert.True(t, v.RenewalPromptOpen)
			}
		})
	}
}

func TestCoordinator_SignalsWhileLoggedOutAreIgnored(t *testing.T) {
	c, forced := newCoordinator(&fakeAuth{})
	c.OnRequestSucceeded(api.TagMessages)
	c.OnRequestFailed(http.StatusUnauthorized, api.TagMessages)

	assert.False(t, c.timer.State().Running)
	assert.Equal(t, int32(0), forced.Load())
	assert.Equal(t, View{}, c.View())
}

func TestCoordinator_ExplicitLogout(t *testing.T) {
	auth := &fakeAuth{logoutErr: errors.New("network down")}
	c, forced := newCoordinator(auth)
	auth.onLogout = func() {
		// The logout response flows back through the interceptor.
		c.OnRequestSucceeded(api.TagLogout)
	}
	c.Login(alice)

	c.Logout(context.Background(), false)
	v := c.View()
	assert.False(t, v.LoggedIn)
	assert.False(t, v.Expired)
	assert.False(t, c.timer.State().Running)
	assert.Equal(t, 1, auth.logoutCount())
	assert.Equal(t, int32(0), forced.Load())

	c.Logout(context.Background(), false)
	assert.Equal(t, 1, auth.logoutCount())
}

func TestCoordinator_Renew(t *testing.T) {
	auth := &fakeAuth{identity: model.Identity{ID: 1, DisplayName: "alice", SessionDurationSeconds: 120}}
	c, forced := newCoordinator(auth)
	c.Login(alice)
	advance(c.timer, 6)
	require.True(t, c.View().RenewalPromptOpen)

	require.NoError(t, c.Renew(context.Background()))
	v := c.View()
	assert.False(t, v.RenewalPromptOpen)
	assert.Equal(t, 120, v.RemainingSeconds)
	assert.Equal(t, 120, v.Identity.SessionDurationSeconds)
	assert.Equal(t, int32(0), forced.Load())
}

func TestCoordinator_RenewFailureForcesLogout(t *testing.T) {
	auth := &fakeAuth{checkErr: &api.StatusError{Status: http.StatusUnauthorized, Tag: api.TagSessionCheck}}
	c, forced := newCoordinator(auth)
	c.Login(alice)

	err := c.Renew(context.Background())
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	v := c.View()
	assert.False(t, v.LoggedIn)
	assert.True(t, v.Expired)
	assert.Equal(t, int32(1), forced.Load())
	assert.Equal(t, 0, auth.logoutCount())
}

func TestCoordinator_RenewRequiresLogin(t *testing.T) {
	c, _ := newCoordinator(&fakeAuth{})
	assert.ErrorIs(t, c.Renew(context.Background()), ErrNotLoggedIn)
}

func TestCoordinator_StaleRenewalIsDiscarded(t *testing.T) {
	bob := model.Identity{ID: 2, DisplayName: "bob", SessionDurationSeconds: 300}
	auth := &fakeAuth{checkErr: errors.New("timeout")}
	c, forced := newCoordinator(auth)
	auth.onCheck = func() {
		// The user switches accounts while the check is in flight.
		c.Logout(context.Background(), false)
		c.Login(bob)
	}
	c.Login(alice)

	require.Error(t, c.Renew(context.Background()))
	v := c.View()
	assert.True(t, v.LoggedIn)
	assert.Equal(t, bob, v.Identity)
	assert.Equal(t, int32(0), forced.Load())
}

func TestCoordinator_StaleExpiryIsIgnored(t *testing.T) {
	bob := model.Identity{ID: 2, DisplayName: "bob", SessionDurationSeconds: 300}
	tests := []struct {
		name string
		act  func(c *Coordinator)
		want model.Identity
	}{
		{name: "login", act: func(c *Coordinator) { c.Login(bob) }, want: bob},
		{name: "renew", act: func(c *Coordinator) { require.NoError(t, c.Renew(context.Background())) }, want: alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				c    *Coordinator
				once sync.Once
			)
			// Act on the tick that reaches zero, before its expiry is delivered.
			c, forced := newCoordinator(&fakeAuth{identity: alice}, OnChange(func(v View) {
				if v.LoggedIn && v.RemainingSeconds == 0 {
					once.Do(func() { tt.act(c) })
				}
			}))
			c.Login(alice)

			advance(c.timer, alice.SessionDurationSeconds)
			v := c.View()
			assert.True(t, v.LoggedIn)
			assert.False(t, v.Expired)
			assert.Equal(t, tt.want, v.Identity)
			assert.Equal(t, int32(0), forced.Load())
			assert.True(t, c.timer.State().Running)
		})
	}
}

func TestCoordinator_Restore(t *testing.T) {
	t.Run("existing session", func(t *testing.T) {
		c, _ := newCoordinator(&fakeAuth{identity: alice})
		ok, err := c.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, alice, c.View().Identity)
		assert.True(t, c.timer.State().Running)
	})
	t.Run("no session", func(t *testing.T) {
		c, forced := newCoordinator(&fakeAuth{checkErr: &api.StatusError{Status: http.StatusUnauthorized}})
		ok, err := c.Restore(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, c.View().LoggedIn)
		assert.Equal(t, int32(0), forced.Load())
	})
	t.Run("server down", func(t *testing.T) {
		c, _ := newCoordinator(&fakeAuth{checkErr: errors.New("connection refused")})
		ok, err := c.Restore(context.Background())
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestCoordinator_DefaultDuration(t *testing.T) {
	c, _ := newCoordinator(&fakeAuth{})
	c.Login(model.Identity{ID: 3, DisplayName: "carol"})
	assert.Equal(t, 3600, c.View().RemainingSeconds)
}

func TestCoordinator_UpdateIdentityKeepsCountdown(t *testing.T) {
	c, _ := newCoordinator(&fakeAuth{})
	assert.ErrorIs(t, c.UpdateIdentity(alice), ErrNotLoggedIn)

	c.Login(alice)
	advance(c.timer, 3)
	require.NoError(t, c.UpdateIdentity(model.Identity{ID: 1, DisplayName: "alice2"}))

	v := c.View()
	assert.Equal(t, "alice2", v.Identity.DisplayName)
	assert.Equal(t, 65, v.Identity.SessionDurationSeconds)
	assert.Equal(t, 62, v.RemainingSeconds)
}

func TestCoordinator_DismissAndAcknowledge(t *testing.T) {
	c, _ := newCoordinator(&fakeAuth{})
	c.Login(alice)
	advance(c.timer, 5)
	require.True(t, c.View().RenewalPromptOpen)

	c.DismissRenewalPrompt()
	assert.False(t, c.View().RenewalPromptOpen)

	c.OnRequestFailed(http.StatusUnauthorized, api.TagRoomInfo)
	require.True(t, c.View().Expired)
	c.AcknowledgeExpiry()
	assert.False(t, c.View().Expired)

	c.Login(alice)
	assert.True(t, c.View().LoggedIn)
}

func TestCoordinator_OnChange(t *testing.T) {
	var mu sync.Mutex
	var views []View
	c, _ := newCoordinator(&fakeAuth{}, OnChange(func(v View) {
		mu.Lock()
		defer mu.Unlock()
		views = append(views, v)
	}))
	c.Login(alice)
	advance(c.timer, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, 65, views[0].RemainingSeconds)
	assert.Equal(t, 64, views[1].RemainingSeconds)
}

func TestCoordinator_WithAPIClient(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.AddUser("alice", "secret", model.User{UserID: 1, UserNickname: "alice", SessionTimeoutInMinutes: 1})
	srv.AddRoom(42, "lobby", model.Participant{UserID: 1, Nickname: "alice"})

	client, err := api.New(api.Config{BaseURL: srv.APIURL(), Timeout: time.Second})
	require.NoError(t, err)
	c, forced := newCoordinator(client)
	client.SetInterceptor(c)
	ctx := context.Background()

	// A wrong password is an expected 401, not a session loss.
	_, err = client.Login(ctx, "alice", "nope")
	require.Error(t, err)
	assert.Equal(t, int32(0), forced.Load())

	identity, err := client.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	c.Login(identity)
	advance(c.timer, 10)

	_, err = client.Messages(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 60, c.View().RemainingSeconds)

	srv.ExpireSessions()
	_, err = client.Messages(ctx, 42)
	require.Error(t, err)
	v := c.View()
	assert.False(t, v.LoggedIn)
	assert.True(t, v.Expired)
	assert.Equal(t, int32(1), forced.Load())
}
