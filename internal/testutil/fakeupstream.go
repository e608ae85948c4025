// Package testutil provides a fault-injecting fake upstream HTTP proxy for
// exercising the handler's retry and circuit-breaker paths end to end,
// adapted from the teacher's fault simulator into a real CONNECT-speaking
// upstream (spec.md §8 scenarios: retry-then-success, all-upstreams-timeout).
package testutil

import (
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// Fault selects the failure behavior a FakeUpstream injects once it decides
// (via FailureRate) to fail a given connection.
type Fault int

const (
	NoFault Fault = iota
	ConnectionReset
	ConnectionTimeout
	BadGateway
)

// FakeUpstream is a CONNECT-speaking proxy that tunnels to the real target
// for successful attempts and injects the configured Fault otherwise. It is
// used only by tests.
type FakeUpstream struct {
	FailureRate float64
	Latency     time.Duration
	Fault       Fault

	connections int64
	listener    net.Listener
	done        chan struct{}
}

// NewFakeUpstream constructs a FakeUpstream with no induced faults.
func NewFakeUpstream() *FakeUpstream {
	return &FakeUpstream{done: make(chan struct{})}
}

// ActiveConnections reports the number of connections currently being served.
func (f *FakeUpstream) ActiveConnections() int64 {
	return atomic.LoadInt64(&f.connections)
}

// Start listens on an ephemeral loopback port and returns its address.
func (f *FakeUpstream) Start() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("start fake upstream: %w", err)
	}
	f.listener = listener

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-f.done:
					return
				default:
					return
				}
			}
			go f.handle(conn)
		}
	}()

	return listener.Addr().String(), nil
}

// Stop closes the listener and unblocks the accept loop.
func (f *FakeUpstream) Stop() {
	close(f.done)
	if f.listener != nil {
		f.listener.Close()
	}
}

func (f *FakeUpstream) shouldFail() bool {
	return f.FailureRate > 0 && rand.Float64() < f.FailureRate
}

func (f *FakeUpstream) handle(conn net.Conn) {
	atomic.AddInt64(&f.connections, 1)
	defer atomic.AddInt64(&f.connections, -1)
	defer conn.Close()

	if f.Latency > 0 {
		time.Sleep(f.Latency)
	}

	if f.shouldFail() {
		switch f.Fault {
		case ConnectionReset:
			return
		case ConnectionTimeout:
			time.Sleep(31 * time.Second)
			return
		case BadGateway:
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
			return
		}
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}

	target := extractConnectTarget(string(buf[:n]))
	if target == "" {
		return
	}

	targetConn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer targetConn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	go func() {
		defer targetConn.Close()
		defer conn.Close()
		io.Copy(targetConn, conn)
	}()
	io.Copy(conn, targetConn)
}

func extractConnectTarget(request string) string {
	line, _, _ := strings.Cut(request, "\r\n")
	parts := strings.Split(line, " ")
	if len(parts) >= 2 && parts[0] == "CONNECT" {
		return parts[1]
	}
	return ""
}
