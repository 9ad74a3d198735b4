package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATS_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("knowd.*.turn.completed", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := New(config.EventsConfig{URL: server.ClientURL()}, nil)
	require.NoError(t, err)
	defer pub.Close()

	tc, err := tenant.New("alice", "", "")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), tc, TypeTurnCompleted, map[string]string{"decision": "answered_locally"}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "knowd."+tc.CollectionName+".turn.completed", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, TypeTurnCompleted, ev.Type)
		assert.Equal(t, tc.CollectionName, ev.Collection)
		assert.Equal(t, "answered_locally", ev.Attributes["decision"])
		assert.NotEmpty(t, ev.ID)
		assert.NotContains(t, string(msg.Data), "alice")
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNATS_SubjectPrefix(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	p := NewNATS(nc, "acme.kb", nil)
	defer p.Close()
	tc, _ := tenant.New("bob", "", "")
	assert.Equal(t, "acme.kb."+tc.CollectionName+".ingest.completed", p.Subject(tc, TypeIngestCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, tc, TypeIngestCompleted, nil), context.Canceled)
}

func TestNew_EmptyURLIsNop(t *testing.T) {
	p, err := New(config.EventsConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)
	assert.NoError(t, p.Publish(context.Background(), tenant.Context{}, TypeTurnCompleted, nil))
	assert.NoError(t, p.Close())
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(config.EventsConfig{URL: "nats://127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
