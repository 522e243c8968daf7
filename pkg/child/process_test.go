package child

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/flowmusic/flow/pkg/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is the body of the child
// process started by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("FLOW_HELPER_MODE")
	if mode == "" {
		return
	}
	conn, err := ParentConn()
	if err != nil {
		os.Exit(2)
	}

	switch mode {
	case "echo":
		for {
			env, err := conn.Receive()
			if err != nil {
				os.Exit(0)
			}
			reply, _ := env.Reply(ipc.CustomReply, env.Payload)
			_ = conn.Send(reply)
		}
	case "exit":
		_ = conn.Send(ipc.MustEnvelope(ipc.CustomMessage, "bye"))
		os.Exit(3)
	case "hang":
		select {}
	}
}

func helperOptions(mode string) Options {
	return Options{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess"},
		Env:  []string{"FLOW_HELPER_MODE=" + mode},
	}
}

func TestSpawnInvalidPath(t *testing.T) {
	_, err := Spawn(Options{Path: "/definitely/not/here"}, Handlers{})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Spawn(Options{Path: t.TempDir()}, Handlers{})
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, ErrNotRegular)
}

func TestEchoRoundTrip(t *testing.T) {
	msgs := make(chan ipc.Envelope, 1)
	exits := make(chan int, 1)

	p, err := Spawn(helperOptions("echo"), Handlers{
		OnMessage: func(env ipc.Envelope) { msgs <- env },
		OnExit:    func(code int) { exits <- code },
	})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	req := ipc.MustEnvelope(ipc.CustomRequest, map[string]string{"hello": "world"})
	require.True(t, p.Send(req))

	select {
	case reply := <-msgs:
		assert.Equal(t, req.Nonce, reply.Nonce)
		assert.Equal(t, ipc.CustomReply, reply.Type)
		assert.JSONEq(t, `{"hello":"world"}`, string(reply.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from child")
	}

	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
	assert.False(t, p.Send(req))

	// an intentional kill is not reported as an exit
	select {
	case code := <-exits:
		t.Fatalf("unexpected exit event %d", code)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExitAfterMessages(t *testing.T) {
	events := make(chan string, 2)
	code := make(chan int, 1)

	_, err := Spawn(helperOptions("exit"), Handlers{
		OnMessage: func(env ipc.Envelope) { events <- "message" },
		OnExit: func(c int) {
			events <- "exit"
			code <- c
		},
	})
	require.NoError(t, err)

	select {
	case c := <-code:
		assert.Equal(t, 3, c)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}
	assert.Equal(t, "message", <-events)
	assert.Equal(t, "exit", <-events)
}

func TestKillHungProcess(t *testing.T) {
	p, err := Spawn(helperOptions("hang"), Handlers{})
	require.NoError(t, err)
	require.NoError(t, p.Kill())

	select {
	case <-p.Done():
		assert.Equal(t, -1, p.ExitCode())
	case <-time.After(5 * time.Second):
		t.Fatal("hung child survived kill")
	}
}

func TestKillWhileSendBlocked(t *testing.T) {
	p, err := Spawn(helperOptions("hang"), Handlers{})
	require.NoError(t, err)

	// larger than the pipe buffer, and the child never reads fd 3
	big := ipc.MustEnvelope(ipc.CustomMessage, strings.Repeat("x", 256<<10))
	sent := make(chan bool, 1)
	go func() { sent <- p.Send(big) }()
	time.Sleep(100 * time.Millisecond)

	killed := make(chan error, 1)
	go func() { killed <- p.Kill() }()

	select {
	case err := <-killed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Kill blocked on a child with a full pipe")
	}

	select {
	case ok := <-sent:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("Send still blocked after Kill")
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child was not reaped")
	}
}
