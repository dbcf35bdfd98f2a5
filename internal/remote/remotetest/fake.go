// Package remotetest provides a scripted remote.Session for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/deixis/shardbench/internal/remote"
	"github.com/deixis/shardbench/internal/runner"
)

// Response is the scripted outcome of one command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error // transport failure
}

type rule struct {
	match     string
	responses []Response
}

// Session records every command and answers from scripted rules. Commands
// matching no rule exit 0 with empty output.
type Session struct {
	host *remote.Host

	mu     sync.Mutex
	rules  []*rule
	calls  []remote.CommandSpec
	files  map[string][]byte
	puts   []string
	gets   []string
	closed bool
}

// New returns a fake session bound to h.
func New(h *remote.Host) *Session {
	return &Session{host: h, files: map[string][]byte{}}
}

// NewHost is a convenience for tests that only care about the address.
func NewHost(addr string) *Session {
	h, _ := remote.NewHost(addr, "", "")
	return New(h)
}

// On scripts the responses for commands containing match. Responses are
// consumed in order; the last one repeats.
func (s *Session) On(match string, rs ...Response) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, &rule{match: match, responses: rs})
	return s
}

// File makes path retrievable with Get.
func (s *Session) File(path string, data string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = []byte(data)
	return s
}

// Host returns the bound host.
func (s *Session) Host() *remote.Host { return s.host }

// Run records spec and returns the scripted response.
func (s *Session) Run(_ context.Context, spec remote.CommandSpec) (*runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spec)

	r := Response{}
	for _, ru := range s.rules {
		if !strings.Contains(spec.Cmd, ru.match) || len(ru.responses) == 0 {
			continue
		}
		r = ru.responses[0]
		if len(ru.responses) > 1 {
			ru.responses = ru.responses[1:]
		}
		break
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &runner.Result{
		Command:  remote.Compose(spec),
		ExitCode: r.ExitCode,
		Stdout:   []byte(r.Stdout),
		Stderr:   []byte(r.Stderr),
	}, nil
}

// Put records the upload and makes the content retrievable.
func (s *Session) Put(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, remotePath)
	s.files[remotePath] = data
	return nil
}

// Get writes a scripted file to localPath or fails if none exists.
func (s *Session) Get(_ context.Context, remotePath, localPath string) error {
	s.mu.Lock()
	s.gets = append(s.gets, remotePath)
	data, ok := s.files[remotePath]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: no such file on %s", remotePath, s.host.Addr)
	}
	return os.WriteFile(localPath, data, 0o644)
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns the recorded specs in order.
func (s *Session) Calls() []remote.CommandSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.CommandSpec(nil), s.calls...)
}

// Commands returns the raw command strings in order.
func (s *Session) Commands() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Cmd)
	}
	return out
}

// Count returns how many commands contained substr.
func (s *Session) Count(substr string) int {
	n := 0
	for _, c := range s.Commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// Index returns the position of the first command containing substr, or -1.
func (s *Session) Index(substr string) int {
	for i, c := range s.Commands() {
		if strings.Contains(c, substr) {
			return i
		}
	}
	return -1
}

// Puts returns the remote paths written by Put.
func (s *Session) Puts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.puts...)
}

// Gets returns the remote paths requested by Get.
func (s *Session) Gets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.gets...)
}

// Dialer returns a remote.Dialer handing out sessions keyed by host Addr.
func Dialer(sessions ...*Session) remote.Dialer {
	byAddr := map[string]*Session{}
	for _, s := range sessions {
		byAddr[s.host.Addr] = s
	}
	return func(_ context.Context, h *remote.Host) (remote.Session, error) {
		s, ok := byAddr[h.Addr]
		if !ok {
			return nil, fmt.Errorf("no fake session for %s", h.Addr)
		}
		return s, nil
	}
}
