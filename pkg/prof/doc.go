// Package prof captures runtime profiles of a transfer engine run.
//
// It is conditionally compiled using the "profile" build tag:
//
//	go build -tags profile ./cmd/udcsim
//	go test -tags profile ./pkg/prof
//
// Without the tag, [Start] returns a nil [Session] and every method is a
// no-op, so callers keep their profiling hooks in place.
//
// # Sessions
//
// A session streams a CPU profile for its whole lifetime and enables block
// and mutex sampling, which is where interrupt-path and worker contention on
// the device lock shows up. Stopping it writes snapshot profiles next to the
// CPU profile:
//
//	s, err := prof.Start("profiles")
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// The directory then holds cpu.prof, heap.prof, block.prof, mutex.prof and
// goroutine.prof for use with go tool pprof.
package prof
