package env

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
)

func (e *sysenv) Clearenv() {
	os.Clearenv()
}

func (e *sysenv) Setenv(k, v string) {
	os.Setenv(k, v)
}

func SystemEnvironment() Environment {
	return &sysenv{}
}

// NewLoader snapshots environ (the current process environment when
// none is given). The ENVDIR variable, if present, names the envdir
// consulted on each Apply.
func NewLoader(environ ...string) *Loader {
	if len(environ) == 0 {
		environ = os.Environ()
	}

	var envdir string
	original := make([]iterItem, 0, len(environ))
	for _, v := range environ {
		i := strings.IndexByte(v, '=')
		if i <= 0 || i >= len(v)-1 {
			continue
		}
		original = append(original, iterItem{
			key:   v[:i],
			value: v[i+1:],
		})
		if v[:i] == "ENVDIR" {
			envdir = v[i+1:]
		}
	}

	return &Loader{
		original: original,
		envdir:   envdir,
	}
}

// Restore applies only the original snapshot, skipping the envdir.
func (l *Loader) Restore(octx context.Context, e Environment) error {
	return l.Apply(octx, e, WithLoadEnvdir(false))
}

// Apply replaces e with the snapshot plus (by default) the current
// contents of the envdir.
func (l *Loader) Apply(octx context.Context, e Environment, options ...Option) error {
	ctx, cancel := context.WithCancel(octx)
	defer cancel()

	e.Clearenv()
	iter := l.Iterator(ctx, options...)
	for iter.Next() {
		k, v := iter.KV()
		e.Setenv(k, v)
	}

	return nil
}

// Environ renders the same view as Apply, in os.Environ form.
func (l *Loader) Environ(octx context.Context, options ...Option) []string {
	ctx, cancel := context.WithCancel(octx)
	defer cancel()

	var environ []string
	it := l.Iterator(ctx, options...)
	for it.Next() {
		k, v := it.KV()
		environ = append(environ, k+`=`+v)
	}
	return environ
}

func (l *Loader) Iterator(ctx context.Context, options ...Option) *Iterator {
	loadEnvdir := true
	for _, o := range options {
		switch o.Name() {
		case LoadEnvdirKey:
			loadEnvdir = o.Value().(bool)
		}
	}

	// Read the envdir up front; emitting its entries after the
	// snapshot lets them override it.
	var extra []iterItem
	if loadEnvdir && l.envdir != "" {
		if fi, err := os.Stat(l.envdir); err == nil && fi.IsDir() {
			filepath.Walk(l.envdir, func(path string, fi os.FileInfo, err error) error {
				// Ignore errors
				if err != nil {
					return nil
				}

				// Do not recurse into directories
				if fi.IsDir() && l.envdir != path {
					return filepath.SkipDir
				}

				buf, err := os.ReadFile(path)
				if err != nil {
					return nil
				}

				extra = append(extra, iterItem{
					key:   filepath.Base(path),
					value: string(bytes.TrimSpace(buf)),
				})
				return nil
			})
		}
	}

	ch := make(chan *iterItem)
	go func(m []iterItem, ch chan *iterItem) {
		defer close(ch)
		for _, it := range m {
			select {
			case <-ctx.Done():
				return
			case ch <- &iterItem{key: it.key, value: it.value}:
			}
		}
	}(append(append(make([]iterItem, 0, len(l.original)+len(extra)), l.original...), extra...), ch)

	return &Iterator{
		ch: ch,
	}
}

func (iter *Iterator) Next() bool {
	iter.nextK = ""
	iter.nextV = ""
	pair, ok := <-iter.ch
	if !ok {
		return false
	}
	iter.nextK = pair.key
	iter.nextV = pair.value
	return true
}

func (iter *Iterator) KV() (string, string) {
	return iter.nextK, iter.nextV
}
