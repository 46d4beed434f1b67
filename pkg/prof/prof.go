//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// ErrActive indicates a session is already running. The runtime supports
// one CPU profile at a time.
var ErrActive = errors.New("profile session already active")

// Snapshot profiles written when a session stops.
var snapshots = []string{"heap", "block", "mutex", "goroutine"}

var (
	mu     sync.Mutex
	active *Session
)

// Session is a running profile capture.
type Session struct {
	dir string
	cpu *os.File
}

// Start begins a session writing into dir, creating it if needed.
func Start(dir string) (*Session, error) {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return nil, ErrActive
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, "cpu.prof"))
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	runtime.SetBlockProfileRate(1)
	runtime.SetMutexProfileFraction(1)

	active = &Session{dir: dir, cpu: f}
	return active, nil
}

// Dir returns the output directory.
func (s *Session) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

// Stop ends the CPU profile and writes the snapshot profiles. Stopping a
// nil or already stopped session does nothing.
func (s *Session) Stop() error {
	mu.Lock()
	defer mu.Unlock()
	if s == nil || active != s {
		return nil
	}
	active = nil

	pprof.StopCPUProfile()
	err := s.cpu.Close()

	for _, name := range snapshots {
		if werr := write(filepath.Join(s.dir, name+".prof"), name); werr != nil && err == nil {
			err = werr
		}
	}
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
	return err
}

func write(path, name string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
