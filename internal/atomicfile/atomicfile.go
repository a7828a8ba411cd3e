// Package atomicfile replaces files by writing a sibling temporary file and
// renaming it over the target, so readers only ever see a complete file.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Pending is a fully written and synced temporary file waiting to be
// renamed over its target.
type Pending struct {
	target string
	tmp    string
	done   bool
}

// Prepare writes data to a uniquely named temporary file next to target.
// Nothing at target is touched until Commit.
func Prepare(target string, data []byte, perm os.FileMode) (*Pending, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()
	fail := func(err error) (*Pending, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", target, err)
	}
	if _, err := f.Write(data); err != nil {
		return fail(err)
	}
	if err := f.Chmod(perm); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", target, err)
	}
	return &Pending{target: target, tmp: tmp}, nil
}

// Target returns the final path.
func (p *Pending) Target() string { return p.target }

// Commit renames the temporary file over the target.
func (p *Pending) Commit() error {
	if p.done {
		return errors.New("atomicfile: already committed or discarded")
	}
	p.done = true
	if err := os.Rename(p.tmp, p.target); err != nil {
		_ = os.Remove(p.tmp)
		return fmt.Errorf("rename %s: %w", p.target, err)
	}
	syncDir(filepath.Dir(p.target))
	return nil
}

// Discard removes the temporary file. It is a no-op after Commit.
func (p *Pending) Discard() {
	if p == nil || p.done {
		return
	}
	p.done = true
	_ = os.Remove(p.tmp)
}

// CommitAll commits ps in order. On the first failure the remaining pending
// files are discarded; targets already renamed stay in place.
func CommitAll(ps ...*Pending) error {
	for i, p := range ps {
		if err := p.Commit(); err != nil {
			for _, rest := range ps[i+1:] {
				rest.Discard()
			}
			return err
		}
	}
	return nil
}

// WriteFile is Prepare followed by Commit.
func WriteFile(target string, data []byte, perm os.FileMode) error {
	p, err := Prepare(target, data, perm)
	if err != nil {
		return err
	}
	return p.Commit()
}

// syncDir flushes the directory entry after a rename; unsupported platforms
// simply skip it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
