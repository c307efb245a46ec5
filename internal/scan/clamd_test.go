package scan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scangate/internal/common"
)

// fakeClamd serves a minimal IDSESSION clamd dialect on a unix socket:
// PING and INSTREAM, with the reply body chosen by replyFor from the
// streamed content.
func fakeClamd(t *testing.T, replyFor func(data []byte) string) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "clamd.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveClamdConn(conn, replyFor)
		}
	}()
	return sock
}

func serveClamdConn(conn net.Conn, replyFor func(data []byte) string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	requestID := 0

	for {
		cmd, err := br.ReadString('\x00')
		if err != nil {
			return
		}
		cmd = strings.TrimSuffix(cmd, "\x00")

		switch cmd {
		case "zIDSESSION":
			// Session start, no reply.
		case "zPING":
			requestID++
			fmt.Fprintf(conn, "%d: PONG\x00", requestID)
		case "zINSTREAM":
			var data bytes.Buffer
			for {
				var prefix [4]byte
				if _, err := io.ReadFull(br, prefix[:]); err != nil {
					return
				}
				n := binary.BigEndian.Uint32(prefix[:])
				if n == 0 {
					break
				}
				if _, err := io.CopyN(&data, br, int64(n)); err != nil {
					return
				}
			}
			requestID++
			fmt.Fprintf(conn, "%d: %s\x00", requestID, replyFor(data.Bytes()))
		case "zEND":
			return
		default:
			requestID++
			fmt.Fprintf(conn, "%d: UNKNOWN COMMAND\x00", requestID)
		}
	}
}

func TestClamdCleanAndInfected(t *testing.T) {
	t.Parallel()

	sock := fakeClamd(t, func(data []byte) string {
		if bytes.Contains(data, []byte("EICAR")) {
			return "stream: Eicar-Test-Signature FOUND"
		}
		return "stream: OK"
	})

	engine, err := NewClamd("unix", sock, 2, 5*time.Second)
	require.NoError(t, err)
	defer engine.Close()

	v := engine.Scan(context.Background(), strings.NewReader("hello world"), 11)
	assert.True(t, v.IsClean(), "got %v", v)

	v = engine.Scan(context.Background(), strings.NewReader("XEICARX"), 7)
	require.True(t, v.IsInfected(), "got %v", v)
	assert.Equal(t, "Eicar-Test-Signature", v.Signature)
}

func TestClamdErrorReply(t *testing.T) {
	t.Parallel()

	sock := fakeClamd(t, func([]byte) string {
		return "INSTREAM size limit exceeded. ERROR"
	})

	engine, err := NewClamd("unix", sock, 1, 5*time.Second)
	require.NoError(t, err)
	defer engine.Close()

	v := engine.Scan(context.Background(), strings.NewReader("big"), 3)
	assert.True(t, v.IsError(), "got %v", v)
	assert.Contains(t, v.Reason, "ERROR")
}

func TestClamdInitFailureIsFatal(t *testing.T) {
	t.Parallel()

	_, err := NewClamd("unix", filepath.Join(t.TempDir(), "absent.sock"), 2, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrEngineInit))
}

func TestClamdConcurrentScans(t *testing.T) {
	t.Parallel()

	sock := fakeClamd(t, func([]byte) string { return "stream: OK" })

	engine, err := NewClamd("unix", sock, 2, 5*time.Second)
	require.NoError(t, err)
	defer engine.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := strings.Repeat("x", 1+i*1024)
			v := engine.Scan(context.Background(), strings.NewReader(payload), int64(len(payload)))
			assert.True(t, v.IsClean(), "scan %d got %v", i, v)
		}(i)
	}
	wg.Wait()
}

func TestParseReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  Verdict
	}{
		{"clean", "stream: OK", Clean()},
		{"infected", "stream: Win.Test.EICAR_HDB-1 FOUND", Infected("Win.Test.EICAR_HDB-1")},
		{"error", "stream: parse error ERROR", ScanError("stream: parse error ERROR")},
		{"garbage", "nonsense", ScanError("nonsense")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseReply(tt.reply))
		})
	}
}
