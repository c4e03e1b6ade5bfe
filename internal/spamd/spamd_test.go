package spamd

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_Ham(t *testing.T) {
	raw := "SPAMD/1.1 0 EX_OK\r\n" +
		"Content-length: 50\r\n" +
		"Spam: False ; 1.2 / 5.0\r\n" +
		"X-Spam-Status: No, score=1.2 required=5.0 tests=HTML_MESSAGE,\r\n" +
		"\tBAYES_00\r\n"

	v := parseResponse([]byte(raw))
	require.NotNil(t, v.IsSpam)
	assert.False(t, *v.IsSpam)
	assert.Contains(t, v.Symbols, "score=1.2")
	assert.Contains(t, v.Symbols, "required=5.0")
}

func TestParseResponse_Spam(t *testing.T) {
	raw := "SPAMD/1.1 0 EX_OK\r\n" +
		"X-Spam-Status: Yes, score=15.0 required=5.0 tests=FREEMAIL_FROM\r\n"

	v := parseResponse([]byte(raw))
	require.NotNil(t, v.IsSpam)
	assert.True(t, *v.IsSpam)
	assert.Equal(t, "yes", v.String())
}

func TestParseResponse_MissingHeader(t *testing.T) {
	raw := "SPAMD/1.1 0 EX_OK\r\nSpam: False ; 1.2 / 5.0\r\n"
	v := parseResponse([]byte(raw))
	assert.Nil(t, v.IsSpam)
	assert.Equal(t, "unknown", v.String())
}

func TestParseResponse_NoBanner(t *testing.T) {
	raw := "X-Spam-Status: No, score=0.0 required=5.0\r\n"
	v := parseResponse([]byte(raw))
	require.NotNil(t, v.IsSpam)
	assert.False(t, *v.IsSpam)
}

func TestUnfoldHeaders_ContinuationLine(t *testing.T) {
	text := "X-Spam-Status: No, score=1.2\r\n\trequired=5.0\r\nSpam: False\r\n"
	headers := unfoldHeaders(text)
	assert.Contains(t, headers["x-spam-status"], "score=1.2")
	assert.Contains(t, headers["x-spam-status"], "required=5.0")
	assert.Equal(t, "False", headers["spam"])
}

func TestProbe_Check(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte("SPAMD/1.1 0 EX_OK\r\nX-Spam-Status: No, score=0.1 required=5.0\r\n"))
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	probe := NewProbe(host, port, nil)
	verdict, err := probe.Check([]byte("Subject: test\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	require.NotNil(t, verdict.IsSpam)
	assert.False(t, *verdict.IsSpam)
}

func TestProbe_Check_ConnectError(t *testing.T) {
	probe := NewProbe("127.0.0.1", 1, nil) // nothing listens on port 1
	_, err := probe.Check([]byte("x"))
	assert.Error(t, err)
}
