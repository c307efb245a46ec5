// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"scangate/internal/common"
)

// instreamChunkSize is the chunk size for INSTREAM uploads. clamd reads
// length-prefixed chunks; 32KB keeps per-write syscall overhead low
// without large per-session buffers.
const instreamChunkSize = 32 * 1024

// Clamd is an Engine backed by a clamd daemon over a unix or TCP socket.
// It keeps a fixed pool of IDSESSION connections; one scan owns one
// session for its whole duration.
type Clamd struct {
	network string
	address string
	timeout time.Duration
	pool    *sessionPool
}

// NewClamd connects to clamd and verifies every pooled session with a
// PING. Initialization failure is fatal for the caller: the proxy must
// not serve unchecked content.
func NewClamd(network, address string, poolSize int, timeout time.Duration) (*Clamd, error) {
	c := &Clamd{
		network: network,
		address: address,
		timeout: timeout,
	}
	c.pool = newSessionPool(poolSize, c.dialSession)

	sessions := make([]*clamdSession, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		s, err := c.dialSession()
		if err != nil {
			for _, open := range sessions {
				open.close()
			}
			return nil, fmt.Errorf("%w: %s %s: %v", common.ErrEngineInit, network, address, err)
		}
		sessions = append(sessions, s)
	}
	for _, s := range sessions {
		c.pool.release(s)
	}

	log.WithFields(log.Fields{
		"address": address,
		"network": network,
		"pool":    poolSize,
	}).Info("scan engine ready")
	return c, nil
}

// Scan streams r through clamd. Transport and protocol failures yield a
// StatusError verdict; the broken session is dropped and its slot is
// redialed on next use.
func (c *Clamd) Scan(ctx context.Context, r io.Reader, size int64) Verdict {
	s, err := c.pool.acquire(ctx)
	if err != nil {
		return ScanError(err.Error())
	}

	verdict, err := s.instream(r, c.timeout)
	if err != nil {
		s.close()
		c.pool.discard()
		log.WithError(err).Warn("scanner session failed, dropping it")
		return ScanError(err.Error())
	}
	c.pool.release(s)

	return verdict
}

// Close ends every idle session. Callers must finish in-flight scans
// first; Close blocks until all sessions are back in the pool.
func (c *Clamd) Close() error {
	for _, s := range c.pool.drain() {
		s.close()
	}
	return nil
}

// dialSession opens one clamd connection, enters IDSESSION mode and
// verifies it with a PING.
func (c *Clamd) dialSession() (*clamdSession, error) {
	conn, err := net.DialTimeout(c.network, c.address, c.timeout)
	if err != nil {
		return nil, err
	}
	s := &clamdSession{conn: conn, br: bufio.NewReader(conn)}

	if err := s.command("zIDSESSION\x00", c.timeout); err != nil {
		s.close()
		return nil, err
	}
	if err := s.command("zPING\x00", c.timeout); err != nil {
		s.close()
		return nil, err
	}
	reply, err := s.readReply()
	if err != nil {
		s.close()
		return nil, err
	}
	if reply != "PONG" {
		s.close()
		return nil, fmt.Errorf("unexpected PING reply %q", reply)
	}
	return s, nil
}

// clamdSession is one connection in IDSESSION mode. Not safe for
// concurrent use; ownership is enforced by the session pool.
type clamdSession struct {
	conn net.Conn
	br   *bufio.Reader
}

func (s *clamdSession) command(cmd string, timeout time.Duration) error {
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := io.WriteString(s.conn, cmd)
	return err
}

// instream runs one INSTREAM scan: length-prefixed chunks terminated by a
// zero-length chunk, then a single reply line.
func (s *clamdSession) instream(r io.Reader, timeout time.Duration) (Verdict, error) {
	if err := s.command("zINSTREAM\x00", timeout); err != nil {
		return Verdict{}, err
	}

	buf := make([]byte, instreamChunkSize)
	var prefix [4]byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, werr := s.conn.Write(prefix[:]); werr != nil {
				return Verdict{}, werr
			}
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				return Verdict{}, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Verdict{}, err
		}
	}
	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := s.conn.Write(prefix[:]); err != nil {
		return Verdict{}, err
	}

	reply, err := s.readReply()
	if err != nil {
		return Verdict{}, err
	}
	return parseReply(reply), nil
}

// readReply reads one NUL-terminated reply and strips the IDSESSION
// request-id prefix ("N: ").
func (s *clamdSession) readReply() (string, error) {
	line, err := s.br.ReadString('\x00')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\x00")
	if i := strings.Index(line, ": "); i >= 0 {
		if _, isID := parseRequestID(line[:i]); isID {
			line = line[i+2:]
		}
	}
	return line, nil
}

func (s *clamdSession) close() {
	// Best-effort session termination; the connection close is what matters.
	_ = s.conn.SetDeadline(time.Now().Add(time.Second))
	_, _ = io.WriteString(s.conn, "zEND\x00")
	_ = s.conn.Close()
}

func parseRequestID(field string) (int, bool) {
	if field == "" {
		return 0, false
	}
	id := 0
	for _, r := range field {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int(r-'0')
	}
	return id, true
}

// parseReply maps a clamd INSTREAM reply to a verdict:
//
//	stream: OK                      -> clean
//	stream: Eicar-Signature FOUND   -> infected
//	anything else / ... ERROR       -> scan error
func parseReply(reply string) Verdict {
	body := strings.TrimPrefix(reply, "stream: ")
	switch {
	case body == "OK":
		return Clean()
	case strings.HasSuffix(body, " FOUND"):
		return Infected(strings.TrimSuffix(body, " FOUND"))
	default:
		return ScanError(reply)
	}
}
