package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Okasha-Arshad/chitchat-backend/internal/metrics"
	"github.com/Okasha-Arshad/chitchat-backend/internal/presence"
	"github.com/Okasha-Arshad/chitchat-backend/internal/router"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/config"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/directory"
	"github.com/Okasha-Arshad/chitchat-backend/pkg/registry/memregistry"
)

type fakeConn struct {
	id     uuid.UUID
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New()}
}

func (f *fakeConn) ID() uuid.UUID { return f.id }

func (f *fakeConn) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// frames decodes every recorded payload into a generic map.
func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			panic(err)
		}
		out = append(out, frame)
	}
	return out
}

func (f *fakeConn) framesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, frame := range f.frames() {
		if frame["type"] == typ {
			out = append(out, frame)
		}
	}
	return out
}

type fixture struct {
	reg    *memregistry.Memory
	dir    *directory.Memory
	router *router.Router
}

func newFixture(cfg config.RelayConfig) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := memregistry.New(logger)
	dir := directory.NewMemory()
	notifier := presence.NewNotifier(logger, reg, dir)
	m := metrics.New(prometheus.NewRegistry())
	return &fixture{
		reg:    reg,
		dir:    dir,
		router: router.New(logger, reg, dir, notifier, m, cfg),
	}
}

func defaultCfg() config.RelayConfig {
	return config.RelayConfig{
		IncludeSenderInGroupFanout: true,
		CloseReplacedConnections:   true,
	}
}

func (fx *fixture) handle(conn *fakeConn, raw string) {
	fx.router.HandleMessage(context.Background(), conn, []byte(raw))
}

func (fx *fixture) login(conn *fakeConn, userID string) {
	fx.handle(conn, fmt.Sprintf(`{"type":"login","userId":%q}`, userID))
}

// loginQuiet logs a connection in and discards the presence chatter so tests
// only see the frames they are about.
func (fx *fixture) loginQuiet(conns map[string]*fakeConn) {
	for userID, conn := range conns {
		fx.login(conn, userID)
	}
	for _, conn := range conns {
		conn.reset()
	}
}

func TestLoginBindsAndBroadcastsPresence(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	bob := newFakeConn()

	fx.login(alice, "alice")
	fx.login(bob, "bob")

	got, ok := fx.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID(), got.ID())

	// Alice sees her own "Active now" plus Bob's.
	statuses := alice.framesOfType("status")
	require.Len(t, statuses, 2)
	assert.Equal(t, "alice", statuses[0]["userId"])
	assert.Equal(t, "Active now", statuses[0]["status"])
	assert.Equal(t, "bob", statuses[1]["userId"])

	// Bob connected after Alice's broadcast, so he only sees his own.
	require.Len(t, bob.framesOfType("status"), 1)
}

func TestDirectMessageDelivery(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob, carol := newFakeConn(), newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob, "carol": carol})

	fx.handle(alice, `{"type":"message","userId":"alice","recipientId":"bob","text":"hi"}`)

	msgs := bob.framesOfType("message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0]["text"])
	assert.Equal(t, "alice", msgs[0]["senderId"])
	_, hasImage := msgs[0]["imageUrl"]
	assert.False(t, hasImage)

	// Dispatch also clears the sender's typing indicator at the recipient.
	typings := bob.framesOfType("typing")
	require.Len(t, typings, 1)
	assert.Equal(t, "alice", typings[0]["userId"])
	assert.Equal(t, false, typings[0]["isTyping"])

	assert.Empty(t, alice.frames())
	assert.Empty(t, carol.frames())
}

func TestDirectMessageCarriesImageURL(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})

	fx.handle(alice, `{"type":"message","userId":"alice","recipientId":"bob","text":"pic","imageUrl":"https://cdn.example/p.png"}`)

	msgs := bob.framesOfType("message")
	require.Len(t, msgs, 1)
	assert.Equal(t, "https://cdn.example/p.png", msgs[0]["imageUrl"])
}

func TestDirectMessageToOfflineRecipientIsDropped(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice})

	fx.handle(alice, `{"type":"message","userId":"alice","recipientId":"ghost","text":"hi"}`)

	assert.Empty(t, alice.frames())
}

func TestGroupMessageFanOutIncludesSender(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob, carol := newFakeConn(), newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob, "carol": carol})
	fx.dir.SetGroup("g1", "alice", "bob", "carol")

	fx.handle(alice, `{"type":"groupMessage","userId":"alice","groupId":"g1","text":"yo"}`)

	for name, conn := range map[string]*fakeConn{"alice": alice, "bob": bob, "carol": carol} {
		msgs := conn.framesOfType("groupMessage")
		require.Len(t, msgs, 1, "member %s", name)
		assert.Equal(t, "yo", msgs[0]["text"])
		assert.Equal(t, "alice", msgs[0]["senderId"])
	}

	// The group-typing clear goes to everyone but the sender.
	assert.Empty(t, alice.framesOfType("groupTyping"))
	require.Len(t, bob.framesOfType("groupTyping"), 1)
	assert.Equal(t, false, bob.framesOfType("groupTyping")[0]["isTyping"])
}

func TestGroupMessageFanOutCanExcludeSender(t *testing.T) {
	cfg := defaultCfg()
	cfg.IncludeSenderInGroupFanout = false
	fx := newFixture(cfg)
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})
	fx.dir.SetGroup("g1", "alice", "bob")

	fx.handle(alice, `{"type":"groupMessage","userId":"alice","groupId":"g1","text":"yo"}`)

	assert.Empty(t, alice.framesOfType("groupMessage"))
	require.Len(t, bob.framesOfType("groupMessage"), 1)
}

func TestGroupMessageSkipsOfflineMembers(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice})
	fx.dir.SetGroup("g1", "alice", "offline-bob")

	fx.handle(alice, `{"type":"groupMessage","userId":"alice","groupId":"g1","text":"yo"}`)

	require.Len(t, alice.framesOfType("groupMessage"), 1)
}

func TestGroupMessageAbandonedWhenStoreUnavailable(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})
	fx.dir.SetGroup("g1", "alice", "bob")
	fx.dir.Err = fmt.Errorf("%w: connection refused", directory.ErrStoreUnavailable)

	fx.handle(alice, `{"type":"groupMessage","userId":"alice","groupId":"g1","text":"yo"}`)

	// No partial fan-out, no error surfaced to anyone.
	assert.Empty(t, alice.frames())
	assert.Empty(t, bob.frames())
}

func TestTypingPassThrough(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})

	fx.handle(alice, `{"type":"typing","userId":"alice","recipientId":"bob","isTyping":true}`)

	typings := bob.framesOfType("typing")
	require.Len(t, typings, 1)
	assert.Equal(t, "alice", typings[0]["userId"])
	assert.Equal(t, true, typings[0]["isTyping"])
	assert.Empty(t, alice.frames())
}

func TestGroupTypingExcludesTypist(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob, carol := newFakeConn(), newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob, "carol": carol})
	fx.dir.SetGroup("g1", "alice", "bob", "carol")

	fx.handle(alice, `{"type":"groupTyping","userId":"alice","groupId":"g1","isTyping":true}`)

	assert.Empty(t, alice.frames())
	for name, conn := range map[string]*fakeConn{"bob": bob, "carol": carol} {
		typings := conn.framesOfType("groupTyping")
		require.Len(t, typings, 1, "member %s", name)
		assert.Equal(t, "g1", typings[0]["groupId"])
		assert.Equal(t, true, typings[0]["isTyping"])
	}
}

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})

	for _, raw := range []string{
		`not json at all`,
		`{"type":"message","userId":"alice","text":"no recipient"}`,
		`{"type":"message","recipientId":"bob","text":"no sender"}`,
		`{"type":"typing","userId":"alice","recipientId":"bob"}`,
		`{"type":42}`,
		`{"noType":true}`,
	} {
		fx.handle(alice, raw)
	}

	assert.Empty(t, alice.frames())
	assert.Empty(t, bob.frames())
}

func TestUnknownEnvelopeTypeIsIgnored(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice})

	fx.handle(alice, `{"type":"videoCall","userId":"alice"}`)

	assert.Empty(t, alice.frames())
}

func TestPreLoginEnvelopesAreNoOps(t *testing.T) {
	fx := newFixture(defaultCfg())
	stranger := newFakeConn()
	bob := newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"bob": bob})

	fx.handle(stranger, `{"type":"message","userId":"alice","recipientId":"bob","text":"hi"}`)
	fx.handle(stranger, `{"type":"typing","userId":"alice","recipientId":"bob","isTyping":true}`)

	assert.Empty(t, bob.frames())
	assert.Equal(t, 1, fx.reg.Len())
}

func TestSecondLoginWithDifferentIdentityKeepsOriginalBinding(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	fx.login(alice, "alice")

	fx.login(alice, "mallory")

	got, ok := fx.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID(), got.ID())
	_, ok = fx.reg.Lookup("mallory")
	assert.False(t, ok)
}

func TestRepeatedLoginSameIdentityIsIdempotent(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice := newFakeConn()
	fx.login(alice, "alice")
	fx.login(alice, "alice")

	got, ok := fx.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID(), got.ID())
	assert.Equal(t, 1, fx.reg.Len())
	assert.False(t, alice.isClosed())
}

func TestReloginOnNewConnectionClosesReplacedOne(t *testing.T) {
	fx := newFixture(defaultCfg())
	old, fresh := newFakeConn(), newFakeConn()
	fx.login(old, "alice")

	fx.login(fresh, "alice")

	got, ok := fx.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, fresh.ID(), got.ID())
	assert.True(t, old.isClosed())
	assert.Equal(t, 1, fx.reg.Len())
}

func TestReloginCanOrphanReplacedConnection(t *testing.T) {
	cfg := defaultCfg()
	cfg.CloseReplacedConnections = false
	fx := newFixture(cfg)
	old, fresh := newFakeConn(), newFakeConn()
	fx.login(old, "alice")

	fx.login(fresh, "alice")

	got, ok := fx.reg.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, fresh.ID(), got.ID())
	assert.False(t, old.isClosed())
}

func TestDisconnectReapsEntryAndBroadcastsOffline(t *testing.T) {
	fx := newFixture(defaultCfg())
	alice, bob := newFakeConn(), newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"alice": alice, "bob": bob})

	fx.router.HandleDisconnect(alice)

	_, ok := fx.reg.Lookup("alice")
	assert.False(t, ok)

	statuses := bob.framesOfType("status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "alice", statuses[0]["userId"])
	assert.Equal(t, "offline", statuses[0]["status"])

	// A second disconnect event for the same connection is a no-op.
	bob.reset()
	fx.router.HandleDisconnect(alice)
	assert.Empty(t, bob.frames())
}

func TestDisconnectOfUnauthenticatedConnectionIsSilent(t *testing.T) {
	fx := newFixture(defaultCfg())
	stranger := newFakeConn()
	bob := newFakeConn()
	fx.loginQuiet(map[string]*fakeConn{"bob": bob})

	fx.router.HandleDisconnect(stranger)

	assert.Empty(t, bob.frames())
	assert.Equal(t, 1, fx.reg.Len())
}
