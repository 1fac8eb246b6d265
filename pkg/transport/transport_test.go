// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades to a websocket, sends greeting as binary and a text
// message, then echoes every binary message back.
func echoServer(t *testing.T, greeting []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); ok && (user != "demo" || pass != "secret") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		_ = conn.WriteMessage(websocket.BinaryMessage, greeting)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				_ = conn.WriteMessage(websocket.BinaryMessage, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFull(t *testing.T, c Connection, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 4)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		m, err := c.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:m]...)
	}
	return out
}

func TestWebSocket_ReadSkipsTextAndSplitsMessages(t *testing.T) {
	srv := echoServer(t, []byte{0xA5, 0x04, 0x01, 0x00, 0x7F, 0x00, 0x81})
	conn, err := OpenWebSocket(wsURL(srv), "", "", false, 20*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, []byte{0xA5, 0x04, 0x01, 0x00, 0x7F, 0x00, 0x81}, readFull(t, conn, 7))
}

func TestWebSocket_ReadTimesOutWithoutData(t *testing.T) {
	srv := echoServer(t, []byte{0x01})
	conn, err := OpenWebSocket(wsURL(srv), "", "", false, 20*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	readFull(t, conn, 1)

	start := time.Now()
	n, err := conn.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWebSocket_WriteEchoes(t *testing.T) {
	srv := echoServer(t, []byte{0x00})
	conn, err := OpenWebSocket(wsURL(srv), "demo", "secret", false, 20*time.Millisecond)
	require.NoError(t, err)
	defer conn.Close()

	readFull(t, conn, 1)
	n, err := conn.Write([]byte{0xA5, 0x03})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xA5, 0x03}, readFull(t, conn, 2))
}

func TestWebSocket_BadCredentials(t *testing.T) {
	srv := echoServer(t, nil)
	_, err := OpenWebSocket(wsURL(srv), "demo", "wrong", false, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestWebSocket_ReadAfterClose(t *testing.T) {
	srv := echoServer(t, []byte{0x01})
	conn, err := OpenWebSocket(wsURL(srv), "", "", false, 20*time.Millisecond)
	require.NoError(t, err)

	readFull(t, conn, 1)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = conn.Read(make([]byte, 1)); err != nil {
			break
		}
	}
	assert.Error(t, err)
}

func TestOpenWebSocket_RejectsScheme(t *testing.T) {
	_, err := OpenWebSocket("http://localhost/", "", "", false, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

func TestOpen_NothingSelected(t *testing.T) {
	_, _, err := Open(Options{})
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestOpen_Simulator(t *testing.T) {
	conn, desc, err := Open(Options{Simulate: true, URL: "ws://ignored", Port: "/dev/null"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Simulator", desc)
}

func TestGetPassword_FromEnv(t *testing.T) {
	t.Setenv(PasswordEnv, "hunter2")
	pw, err := GetPassword()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
}
