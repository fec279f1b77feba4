package room_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"chatsession/brokertest"
	"chatsession/client/api"
	"chatsession/client/model"
	"chatsession/client/room"
	"chatsession/client/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_AgainstBroker(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	srv.AddUser("alice", "secret", model.User{UserID: 1, UserNickname: "alice"})
	srv.AddRoom(42, "lobby",
		model.Participant{UserID: 1, Nickname: "alice"},
		model.Participant{UserID: 2, Nickname: "bob"},
	)
	srv.AddHistory(42, model.Message{Type: model.MessageTypeTalk, RoomID: 42, SenderID: 2, SenderNickname: "bob", Text: "welcome"})

	client, err := api.New(api.Config{BaseURL: srv.APIURL(), Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()
	identity, err := client.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	cfg := transport.DefaultConfig(srv.BrokerURL())
	cfg.Jar = client.Jar()
	var connects atomic.Int32
	tr := transport.New(cfg,
		transport.WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		transport.OnStateChange(func(st transport.State) {
			if st == transport.StateConnected {
				connects.Add(1)
			}
		}),
	)

	s := room.NewSession(identity, client, tr, room.WithPresence(true))
	defer s.Close()
	require.NoError(t, s.Open(ctx, 42))

	// History, then our own JOIN echoed back with the server's roster.
	require.Eventually(t, func() bool { return len(s.View().Messages) == 2 }, 2*time.Second, 10*time.Millisecond)
	v := s.View()
	assert.Equal(t, "lobby", v.RoomName)
	assert.True(t, v.ConnectionOK)
	assert.Equal(t, model.MessageTypeJoin, v.Messages[1].Type)
	assert.Len(t, v.Participants, 2)

	require.NoError(t, s.Send("hello"))
	require.Eventually(t, func() bool { return len(s.View().Messages) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", s.View().Messages[2].Text)

	srv.DropConnections()
	require.Eventually(t, func() bool { return connects.Load() == 2 && srv.Subscribers(42) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.View().ConnectionOK)
	srv.Broadcast(42, model.Message{Type: model.MessageTypeTalk, RoomID: 42, SenderID: 2, SenderNickname: "bob", Text: "still here"})
	require.Eventually(t, func() bool { return len(s.View().Messages) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "still here", s.View().Messages[3].Text)

	s.Close()
	require.Eventually(t, func() bool { return srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	published := srv.Published()
	require.NotEmpty(t, published)
	assert.Equal(t, model.MessageTypeLeave, published[len(published)-1].Type)
}
