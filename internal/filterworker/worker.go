// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filterworker implements the two live-connection variants to a
// filter instance: a subprocess worker, piping an executable's
// stdin/stdout, and a TCP worker, connecting to a container-hosted service.
// Both share the wireproto codec; the transport itself never interprets
// payloads.
package filterworker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/diamond-search/filterstack-engine/internal/wireproto"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// Worker is a live connection to one filter instance.
type Worker interface {
	Start(name string, arguments []string, blob []byte) error
	NextTag() (string, error)
	GetItem() ([]byte, bool, error)
	GetArray() ([][]byte, error)
	GetBool() (bool, error)
	GetDict() (map[string]string, error)
	Send(data []byte) error
	SendNull() error
	SendArray(items [][]byte) error
	SendBool(v bool) error
	SendDict(keys, values []string) error
	Close() error
}

type codecWorker struct {
	r *wireproto.Reader
	w *wireproto.Writer
}

func (c *codecWorker) Start(name string, arguments []string, blob []byte) error {
	return c.w.WriteStart(wireproto.ProtocolVersion, name, arguments, blob)
}

func (c *codecWorker) NextTag() (string, error)              { return c.r.ReadTag() }
func (c *codecWorker) GetItem() ([]byte, bool, error)         { return c.r.ReadItem() }
func (c *codecWorker) GetArray() ([][]byte, error)            { return c.r.ReadArray() }
func (c *codecWorker) GetBool() (bool, error)                 { return c.r.ReadBool() }
func (c *codecWorker) GetDict() (map[string]string, error)    { return c.r.ReadDict() }
func (c *codecWorker) Send(data []byte) error                 { return c.w.WriteItem(data) }
func (c *codecWorker) SendNull() error                        { return c.w.WriteNullItem() }
func (c *codecWorker) SendArray(items [][]byte) error         { return c.w.WriteArray(items) }
func (c *codecWorker) SendBool(v bool) error                  { return c.w.WriteBool(v) }
func (c *codecWorker) SendDict(keys, values []string) error   { return c.w.WriteDict(keys, values) }

// subprocessWorker spawns the filter executable, inheriting a configured
// working directory, and speaks the codec over its stdin/stdout pipes.
type subprocessWorker struct {
	codecWorker
	cmd    *exec.Cmd
	stdin  interface{ Close() error }
}

// NewSubprocess spawns codePath with the single CLI argument "--filter" in
// dir (the working directory chosen by the caller's environment).
func NewSubprocess(dir, codePath string) (Worker, error) {
	cmd := exec.Command(codePath, "--filter")
	cmd.Dir = dir
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("filterworker: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("filterworker: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("filterworker: start %s: %w", codePath, err)
	}
	w := &subprocessWorker{
		codecWorker: codecWorker{r: wireproto.NewReader(stdout), w: wireproto.NewWriter(stdin)},
		cmd:         cmd,
		stdin:       stdin,
	}
	return w, nil
}

// Close tears the process down: close stdin, send SIGTERM, wait up to one
// second, then SIGKILL and reap. Abnormal exits are logged, never
// raised.
func (s *subprocessWorker) Close() error {
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		logExit(s.cmd, err)
		return nil
	case <-time.After(time.Second):
	}

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := <-done
	logExit(s.cmd, err)
	return nil
}

func logExit(cmd *exec.Cmd, err error) {
	if err == nil {
		return
	}
	path := ""
	if cmd.Path != "" {
		path = cmd.Path
	}
	log.Warnf("filterworker: subprocess %s exited abnormally: %v", path, err)
}

// tcpWorker connects to a container-hosted filter service over TCP with
// Nagle disabled.
type tcpWorker struct {
	codecWorker
	conn net.Conn
}

const (
	tcpRetries    = 10
	tcpRetryDelay = time.Second
)

// NewTCP dials (host, port), retrying up to tcpRetries times with
// tcpRetryDelay between attempts. A failure after all retries
// is a filter execution error, returned to the caller for translation.
func NewTCP(ctx context.Context, host string, port int) (Worker, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	var lastErr error
	for attempt := 0; attempt <= tcpRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tcpRetryDelay):
			}
		}
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return &tcpWorker{
				codecWorker: codecWorker{r: wireproto.NewReader(conn), w: wireproto.NewWriter(conn)},
				conn:        conn,
			}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("filterworker: connect to %s after %d retries: %w", addr, tcpRetries, lastErr)
}

// Close shuts the connection down (signalling EOF to the container-side
// listener) before releasing the transport.
func (t *tcpWorker) Close() error {
	if tc, ok := t.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	return t.conn.Close()
}
