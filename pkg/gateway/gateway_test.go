package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

type recordingTransport struct {
	mu  sync.Mutex
	got map[presence.Handle][]model.Envelope
}

func (r *recordingTransport) Deliver(h presence.Handle, env model.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.got == nil {
		r.got = make(map[presence.Handle][]model.Envelope)
	}
	r.got[h] = append(r.got[h], env)
}

func (r *recordingTransport) events(h presence.Handle) []model.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Envelope(nil), r.got[h]...)
}

type staticAuth map[string]string

func (a staticAuth) Authenticate(_ context.Context, token string) (string, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

type mirrorCall struct {
	user   string
	online bool
}

type fakeMirror struct {
	mu    sync.Mutex
	calls []mirrorCall
}

func (m *fakeMirror) SetOnline(_ context.Context, u string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{u, true})
	return nil
}

func (m *fakeMirror) SetOffline(_ context.Context, u string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mirrorCall{u, false})
	return nil
}

type fixture struct {
	gw        *Gateway
	transport *recordingTransport
	mirror    *fakeMirror
	store     *store.Memory
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := presence.NewRegistry()
	reg.Start()
	t.Cleanup(reg.Stop)

	f := &fixture{
		transport: &recordingTransport{},
		mirror:    &fakeMirror{},
		store:     store.NewMemory(model.User{ID: "alice"}, model.User{ID: "bob"}),
		now:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.gw = New(Deps{
		Auth:      staticAuth{"tok-a": "alice", "tok-b": "bob"},
		Registry:  reg,
		Mirror:    f.mirror,
		LastSeen:  f.store,
		Transport: f.transport,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func decode[T any](t *testing.T, env model.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.gw.Authenticate(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = f.gw.Authenticate(ctx, "")
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = f.gw.Authenticate(ctx, "forged")
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, CodeUnauthenticated, Code(err))
}

func TestPresenceBroadcastOnTransitionsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bob, err := f.gw.Connect(ctx, "bob", "hb")
	require.NoError(t, err)
	alice1, err := f.gw.Connect(ctx, "alice", "ha1")
	require.NoError(t, err)
	alice2, err := f.gw.Connect(ctx, "alice", "ha2")
	require.NoError(t, err)

	got := f.transport.events(bob.Handle)
	require.Len(t, got, 1, "second alice device must not re-announce")
	assert.Equal(t, model.TypePresence, got[0].Type)
	assert.Equal(t, model.PresenceNotice{UserID: "alice", Online: true}, decode[model.PresenceNotice](t, got[0]))

	f.gw.Disconnect(ctx, alice1)
	assert.Len(t, f.transport.events(bob.Handle), 1)

	f.gw.Disconnect(ctx, alice2)
	got = f.transport.events(bob.Handle)
	require.Len(t, got, 2)
	assert.Equal(t, model.PresenceNotice{UserID: "alice", Online: false}, decode[model.PresenceNotice](t, got[1]))

	// Closing the same session twice does not announce again.
	f.gw.Disconnect(ctx, alice2)
	assert.Len(t, f.transport.events(bob.Handle), 2)

	u, err := f.store.FindUserByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.now, u.LastSeen)

	assert.Equal(t, []mirrorCall{{"bob", true}, {"alice", true}, {"alice", false}}, f.mirror.calls)
}

// stallingLastSeen holds Disconnect inside the last-seen write until released.
type stallingLastSeen struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stallingLastSeen) UpdateUserLastSeen(context.Context, string, time.Time) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func (m *fakeMirror) lastFor(user string) (mirrorCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].user == user {
			return m.calls[i], true
		}
	}
	return mirrorCall{}, false
}

func lastPresence(t *testing.T, envs []model.Envelope, user string) model.PresenceNotice {
	t.Helper()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type != model.TypePresence {
			continue
		}
		if n := decode[model.PresenceNotice](t, envs[i]); n.UserID == user {
			return n
		}
	}
	t.Fatalf("no presence notice for %s", user)
	return model.PresenceNotice{}
}

func TestReconnectWhileClosingStaysOnline(t *testing.T) {
	f := newFixture(t)
	stall := &stallingLastSeen{entered: make(chan struct{}), release: make(chan struct{})}
	f.gw.lastSeen = stall
	ctx := context.Background()

	bob, err := f.gw.Connect(ctx, "bob", "hb")
	require.NoError(t, err)
	alice1, err := f.gw.Connect(ctx, "alice", "ha1")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		f.gw.Disconnect(ctx, alice1)
	}()
	<-stall.entered

	_, err = f.gw.Connect(ctx, "alice", "ha2")
	require.NoError(t, err)
	close(stall.release)
	<-closed

	assert.True(t, f.gw.Registry().Online("alice"))
	assert.Equal(t, model.PresenceNotice{UserID: "alice", Online: true}, lastPresence(t, f.transport.events(bob.Handle), "alice"))
	assert.Equal(t, []mirrorCall{{"bob", true}, {"alice", true}, {"alice", false}, {"alice", true}}, f.mirror.calls)
}

func TestConcurrentReconnectsKeepPresenceConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob, err := f.gw.Connect(ctx, "bob", "hb")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.gw.Connect(ctx, "alice", presence.Handle(fmt.Sprintf("ha%d", i)))
			if err != nil {
				return
			}
			if i != 17 {
				f.gw.Disconnect(ctx, s)
			}
		}(i)
	}
	wg.Wait()

	require.True(t, f.gw.Registry().Online("alice"))
	last, ok := f.mirror.lastFor("alice")
	require.True(t, ok)
	assert.True(t, last.online)
	assert.True(t, lastPresence(t, f.transport.events(bob.Handle), "alice").Online)
}

func TestConnectOnStoppedRegistry(t *testing.T) {
	f := newFixture(t)
	f.gw.Registry().Stop()
	_, err := f.gw.Connect(context.Background(), "alice", "h")
	require.ErrorIs(t, err, presence.ErrStopped)
}

func TestDispatchRoutesAndDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := f.gw.Connect(ctx, "alice", "ha")
	require.NoError(t, err)

	f.gw.Handle("echo", func(_ context.Context, s *Session, payload json.RawMessage) ([]Outbound, error) {
		assert.Equal(t, "alice", s.UserID)
		return []Outbound{{Handles: []presence.Handle{s.Handle}, Event: model.Envelope{Type: "echoed", Payload: payload}}}, nil
	})

	f.gw.Dispatch(ctx, alice, []byte(`{"type":"echo","payload":{"x":1}}`))
	got := f.transport.events("ha")
	require.Len(t, got, 1)
	assert.Equal(t, model.EventType("echoed"), got[0].Type)
	assert.JSONEq(t, `{"x":1}`, string(got[0].Payload))
}

func TestDispatchFailuresBecomeErrorEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := f.gw.Connect(ctx, "alice", "ha")
	require.NoError(t, err)

	f.gw.Handle("forbidden", func(context.Context, *Session, json.RawMessage) ([]Outbound, error) {
		return nil, Forbidden("nope")
	})
	f.gw.Handle("boom", func(context.Context, *Session, json.RawMessage) ([]Outbound, error) {
		panic("kaboom")
	})

	cases := []struct {
		frame string
		code  string
	}{
		{`not json`, CodeBadRequest},
		{`{"payload":{}}`, CodeBadRequest},
		{`{"type":"nope"}`, CodeBadRequest},
		{`{"type":"forbidden"}`, CodeForbidden},
		{`{"type":"boom"}`, CodeInternal},
	}
	for _, tc := range cases {
		f.gw.Dispatch(ctx, alice, []byte(tc.frame))
	}

	got := f.transport.events("ha")
	require.Len(t, got, len(cases))
	for i, tc := range cases {
		assert.Equal(t, model.TypeError, got[i].Type, tc.frame)
		assert.Equal(t, tc.code, decode[model.ErrorPayload](t, got[i]).Code, tc.frame)
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeBadRequest, Code(Invalid("x %d", 1)))
	assert.Equal(t, CodeUnavailable, Code(StoreError("create", errors.New("down"))))
	assert.Equal(t, CodeInternal, Code(errors.New("other")))
	assert.Equal(t, CodeRateLimited, Code(ErrRateLimited))
	assert.ErrorIs(t, StoreError("x", context.Canceled), context.Canceled)
}

func TestLoadConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := model.NewConversation("100", "alice", "bob", f.now)
	require.NoError(t, f.store.CreateConversation(ctx, conv))

	got, err := LoadConversation(ctx, f.store, "100", "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Other("bob"))

	_, err = LoadConversation(ctx, f.store, "100", "mallory")
	require.ErrorIs(t, err, ErrAuthorization)
	_, err = LoadConversation(ctx, f.store, "999", "alice")
	require.ErrorIs(t, err, ErrAuthorization)
	_, err = LoadConversation(ctx, f.store, "", "alice")
	require.ErrorIs(t, err, ErrValidation)
}
