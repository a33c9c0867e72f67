package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redotail/redotail/pkg/builder"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/types"
	"github.com/redotail/redotail/pkg/writer"
)

// The test runs a real network transport on a loopback listener and drives
// it the way the writer would.

func startServer(t *testing.T) (*writer.NetworkTransport, string) {
	t.Helper()
	c := ctx.New()
	tr, err := writer.NewNetworkTransport(c, "ORCL", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, tr.Addr()
}

func TestClientStartHandshake(t *testing.T) {
	tr, addr := startServer(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var req interface{}
	go func() {
		defer wg.Done()
		r, err := tr.Await(false, types.Checkpoint{})
		assert.NoError(t, err)
		req = r
	}()

	cl, err := Connect(Config{Address: addr, Database: "ORCL", StartScn: 500})
	require.NoError(t, err)
	defer cl.Close()
	wg.Wait()
	require.NotNil(t, req)
}

func TestClientStreamAndConfirm(t *testing.T) {
	tr, addr := startServer(t)

	serverReady := make(chan struct{})
	go func() {
		_, err := tr.Await(true, types.Checkpoint{Database: "ORCL", Scn: 99, Idx: 1})
		assert.NoError(t, err)
		close(serverReady)
	}()

	cl, err := Connect(Config{Address: addr, Database: "ORCL", ConfirmInterval: time.Millisecond})
	require.NoError(t, err)
	defer cl.Close()
	<-serverReady

	// The CONTINUE handshake seeded the client's position.
	pos, have := cl.Confirmed()
	assert.True(t, have)
	assert.Equal(t, types.Scn(99), pos.Scn)

	// Ship three messages; the first is a duplicate below the watermark.
	msgs := []*builder.Msg{
		{Id: 1, Scn: 99, LwnScn: 99, LwnIdx: 1, Data: []byte(`dup`)},
		{Id: 2, Scn: 100, LwnScn: 100, LwnIdx: 0, Data: []byte(`{"op":"BEGIN"}`)},
		{Id: 3, Scn: 100, LwnScn: 100, LwnIdx: 1, Data: []byte(`{"op":"COMMIT"}`)},
	}
	for _, m := range msgs {
		require.NoError(t, tr.Send(m))
	}

	var received []string
	done := make(chan error, 1)
	go func() {
		done <- cl.Run(func(m Message) error {
			received = append(received, string(m.Payload))
			if len(received) == 2 {
				return assert.AnError // stop the loop
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the stream")
	}

	assert.Equal(t, []string{`{"op":"BEGIN"}`, `{"op":"COMMIT"}`}, received)

	// The COMMIT's handler returned an error, so it does not count as
	// applied; the client's confirm of BEGIN reaches the transport.
	require.NoError(t, cl.Confirm())
	deadline := time.Now().Add(5 * time.Second)
	for {
		if pos, ok := tr.Confirmed(); ok && pos.Scn == 100 && pos.Idx == 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "confirm never arrived")
		time.Sleep(5 * time.Millisecond)
	}
}
