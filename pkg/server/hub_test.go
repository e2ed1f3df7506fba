package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/plotpurr/pkg/viewport"
)

func readUpdate(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var u Update
	require.NoError(t, json.Unmarshal(msg, &u))
	return u
}

func TestHub_SnapshotOnConnectAndChange(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	httpSrv := httptest.NewServer(ts.router)
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUpdate(t, conn)
	assert.Equal(t, "snapshot", first.Type)
	require.Len(t, first.Snapshot.Plots, 1)
	assert.Equal(t, viewport.StateIdle, first.Snapshot.Plots[0].State)

	plotID := ts.firstPlot(t)
	_, _, err = ts.ctrl.AddSeries(context.Background(), plotID, mustRef(t, ts.file), "temp", "")
	require.NoError(t, err)
	ts.ctrl.Wait()

	// Bursts may be coalesced; read until the fetched data shows up.
	var got []viewport.EventKind
	for {
		u := readUpdate(t, conn)
		for _, ev := range u.Events {
			got = append(got, ev.Kind)
		}
		if p, ok := u.Snapshot.Plot(plotID); ok && len(p.Series) == 1 && len(p.Series[0].Times) == 5 {
			break
		}
	}
	assert.Contains(t, got, viewport.EventSeriesAdded)
	assert.Equal(t, 1, ts.srv.Hub().ClientCount())
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(nil, nil)
	assert.False(t, hub.HasClients())
	require.NoError(t, hub.Broadcast(map[string]string{"type": "noop"}))
}

func TestEventQueue_Coalesces(t *testing.T) {
	q := newEventQueue()
	q.push(viewport.Event{Kind: viewport.EventSeriesAdded})
	q.push(viewport.Event{Kind: viewport.EventDataUpdated})

	select {
	case <-q.signal:
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-q.signal:
		t.Fatal("expected a single signal for a burst")
	default:
	}
	assert.Len(t, q.drain(), 2)
	assert.Empty(t, q.drain())
}
