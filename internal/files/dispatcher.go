package files

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// defaultIgnoredFiles are never counted when deciding whether a
// directory is empty enough to prune.
var defaultIgnoredFiles = []string{".DS_Store", "desktop.ini"}

// Op is one queued filesystem operation. Wait blocks until it ran.
type Op struct {
	label string
	fn    func() error
	done  chan struct{}
	err   error
}

// Wait blocks until the operation completed and returns its error.
func (o *Op) Wait() error {
	<-o.done
	return o.err
}

// Err returns the operation's error without blocking; valid after Wait.
func (o *Op) Err() error { return o.err }

// Dispatcher is the per-document serialized filesystem queue. Operations
// run one at a time in submission order; base-directory lifecycle
// operations go through a priority lane that pauses the normal lane,
// drains exclusively, then resumes it.
type Dispatcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	base     string
	normal   []*Op
	priority []*Op
	running  bool
	paused   bool
	closed   bool

	ignored []string
	logger  *zap.Logger

	onIdle  func()
	onError func(error)

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher rooted at base and starts its
// consumer. extraIgnored adds glob patterns to the set of files that do
// not keep a directory alive.
func NewDispatcher(base string, extraIgnored []string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		base:    base,
		ignored: append(append([]string(nil), defaultIgnoredFiles...), extraIgnored...),
		logger:  logger,
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

// SetOnIdle registers a callback fired each time the queue drains.
func (d *Dispatcher) SetOnIdle(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = fn
}

// SetOnError registers a callback for operation failures. Failures never
// halt the queue.
func (d *Dispatcher) SetOnError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// Base returns the current base path.
func (d *Dispatcher) Base() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base
}

// Pending returns the number of queued, unfinished operations.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.normal) + len(d.priority)
	if d.running {
		n++
	}
	return n
}

// Close drains the queue and stops the consumer. No operations may be
// submitted afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) submit(priority bool, label string, fn func() error) *Op {
	op := &Op{label: label, fn: fn, done: make(chan struct{})}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		op.err = fmt.Errorf("dispatcher closed, dropping %s", label)
		close(op.done)
		return op
	}
	if priority {
		d.priority = append(d.priority, op)
		d.paused = true
	} else {
		d.normal = append(d.normal, op)
	}
	d.cond.Signal()
	d.mu.Unlock()
	return op
}

// run is the single consumer. The priority lane always drains first;
// while it holds work the normal lane is paused.
func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.priority) == 0 && len(d.normal) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.priority) == 0 && len(d.normal) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		var op *Op
		if len(d.priority) > 0 {
			op = d.priority[0]
			d.priority = d.priority[1:]
			if len(d.priority) == 0 {
				d.paused = false
			}
		} else {
			op = d.normal[0]
			d.normal = d.normal[1:]
		}
		d.running = true
		d.mu.Unlock()

		op.err = op.fn()
		if op.err != nil {
			d.logger.Warn("file operation failed",
				zap.String("op", op.label), zap.Error(op.err))
		}
		close(op.done)

		d.mu.Lock()
		d.running = false
		idle := len(d.priority) == 0 && len(d.normal) == 0
		onIdle, onError := d.onIdle, d.onError
		d.mu.Unlock()

		if op.err != nil && onError != nil {
			onError(op.err)
		}
		if idle && onIdle != nil {
			onIdle()
		}
	}
}

// CreateBase ensures the base directory exists. Priority lane.
func (d *Dispatcher) CreateBase() *Op {
	return d.submit(true, "create-base", func() error {
		return os.MkdirAll(d.Base(), 0o755)
	})
}

// MoveBase renames the assets directory, following a document rename.
// Subsequent relative operations resolve under the new base. Priority
// lane: asset placement never races the directory move.
func (d *Dispatcher) MoveBase(newBase string) *Op {
	return d.submit(true, "move-base", func() error {
		d.mu.Lock()
		oldBase := d.base
		d.base = newBase
		d.mu.Unlock()

		if oldBase == newBase {
			return nil
		}
		if _, err := os.Stat(oldBase); os.IsNotExist(err) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(newBase), 0o755); err != nil {
			return err
		}
		if err := os.Rename(oldBase, newBase); err == nil {
			return nil
		}
		// Cross-volume rename: copy the tree, then remove the original.
		if err := copyTree(oldBase, newBase); err != nil {
			return fmt.Errorf("copying assets to %s: %w", newBase, err)
		}
		return os.RemoveAll(oldBase)
	})
}

// MoveIntoBase moves a finished file (usually a temp render) to its
// relative location under the base, creating intermediate directories.
func (d *Dispatcher) MoveIntoBase(src, rel string) *Op {
	return d.submit(false, "move-into-base "+rel, func() error {
		target := filepath.Join(d.Base(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return moveFile(src, target)
	})
}

// MoveWithinBase renames one asset relative to the base.
func (d *Dispatcher) MoveWithinBase(srcRel, dstRel string) *Op {
	return d.submit(false, "move-within "+srcRel, func() error {
		base := d.Base()
		src := filepath.Join(base, filepath.FromSlash(srcRel))
		dst := filepath.Join(base, filepath.FromSlash(dstRel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := moveFile(src, dst); err != nil {
			return err
		}
		return d.pruneEmptyDirs(filepath.Dir(src))
	})
}

// RemoveWithin deletes an asset under the base and prunes emptied parent
// directories up to, but excluding, the base itself.
func (d *Dispatcher) RemoveWithin(rel string) *Op {
	return d.submit(false, "remove-within "+rel, func() error {
		target := filepath.Join(d.Base(), filepath.FromSlash(rel))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		return d.pruneEmptyDirs(filepath.Dir(target))
	})
}

// RemoveAbsolute deletes a file outside the base, typically an orphaned
// temp render.
func (d *Dispatcher) RemoveAbsolute(abs string) *Op {
	return d.submit(false, "remove-absolute", func() error {
		err := os.Remove(abs)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
}

// AppendWithin appends data to a file under the base, creating it (and
// the base) as needed.
func (d *Dispatcher) AppendWithin(rel string, data []byte) *Op {
	return d.submit(false, "append-within "+rel, func() error {
		target := filepath.Join(d.Base(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	})
}

// WriteWithin replaces a file under the base.
func (d *Dispatcher) WriteWithin(rel string, data []byte) *Op {
	return d.submit(false, "write-within "+rel, func() error {
		target := filepath.Join(d.Base(), filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// pruneEmptyDirs removes directories upward from dir until it reaches a
// non-empty directory or the base. A directory counts as empty when it
// holds nothing but ignored files.
func (d *Dispatcher) pruneEmptyDirs(dir string) error {
	base := d.Base()
	for {
		rel, err := filepath.Rel(base, dir)
		if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) ||
			len(rel) >= 2 && rel[:2] == ".." {
			return nil
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			if !d.isIgnored(e.Name()) {
				return nil
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		dir = filepath.Dir(dir)
	}
}

func (d *Dispatcher) isIgnored(name string) bool {
	for _, pattern := range d.ignored {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// moveFile renames src onto dst, falling back to copy-then-remove when
// the rename crosses volumes.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target)
	})
}
