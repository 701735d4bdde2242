// Package shm manages the shared-memory segment used for the local bypass
// between a co-resident cache client and server. The segment is a mmap'd
// file keyed by the server's listening port: the server creates and owns it,
// clients attach to it.
package shm

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Path returns the segment file path for a server listening on port.
// /dev/shm keeps the mapping memory-backed where available; elsewhere the
// temp dir is used.
func Path(port int) string {
	dir := "/dev/shm"
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("rowcache.%d", port))
}

// Segment is a mapped shared-memory region.
type Segment struct {
	f     *os.File
	data  []byte
	owner bool
}

// Create makes (or truncates) the segment for port with the given size and
// maps it. Only the server side creates; pair with Close to unmap and remove.
func Create(port int, size int64) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	p := Path(port)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", p, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("shm: truncate %s: %w", p, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("shm: mmap %s: %w", p, err)
	}
	return &Segment{f: f, data: data, owner: true}, nil
}

// Attach maps an existing segment for port. A missing segment returns an
// error wrapping fs.ErrNotExist; callers treat that as "no local server".
func Attach(port int) (*Segment, error) {
	p := Path(port)
	f, err := os.OpenFile(p, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: attach %s: %w", p, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", p, err)
	}
	if fi.Size() <= 0 {
		f.Close()
		return nil, fmt.Errorf("shm: empty segment %s: %w", p, fs.ErrNotExist)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", p, err)
	}
	return &Segment{f: f, data: data}, nil
}

// Bytes exposes the mapped region. Both ends read and write it directly;
// block ownership is coordinated by the cache protocol, not here.
func (s *Segment) Bytes() []byte { return s.data }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Close unmaps the segment. The owning (creator) side also removes the
// backing file.
func (s *Segment) Close() error {
	if s == nil || s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	name := s.f.Name()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if s.owner {
		if rerr := os.Remove(name); rerr != nil && err == nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	return err
}
