package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"go.viam.com/iiosim/logging"
	"go.viam.com/iiosim/utils"
)

// reloadDelay coalesces the several write events an editor or `echo >` produces.
const reloadDelay = 50 * time.Millisecond

// Watcher mirrors Params into a directory holding one file per parameter, in the style of a
// sysfs module parameter directory. Writing a decimal value to a file changes the parameter.
type Watcher struct {
	dir     string
	params  *Params
	logger  logging.Logger
	fsw     *fsnotify.Watcher
	workers utils.StoppableWorkers
}

// Watch creates dir if needed, writes the current parameter values into it and starts watching
// for changes.
func Watch(ctx context.Context, dir string, p *Params, logger logging.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating parameter directory %q", dir)
	}
	for name, val := range map[string]uint32{
		PeriodMSName:    p.PeriodMS(),
		PeriodCountName: p.PeriodCount(),
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(fmt.Sprintf("%d\n", val)), 0o644); err != nil {
			return nil, errors.Wrapf(err, "writing parameter %s", name)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	guard := utils.NewGuard(func() { fsw.Close() })
	defer guard.OnFail()
	if err := fsw.Add(dir); err != nil {
		return nil, errors.Wrapf(err, "watching %q", dir)
	}
	guard.Success()

	w := &Watcher{dir: dir, params: p, logger: logger, fsw: fsw}
	w.workers = utils.NewStoppableWorkersWithContext(ctx, w.run)
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

func (w *Watcher) run(ctx context.Context) {
	debounced := map[string]func(func()){
		PeriodMSName:    debounce.New(reloadDelay),
		PeriodCountName: debounce.New(reloadDelay),
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("parameter watch error", "error", err)
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			schedule, known := debounced[name]
			if !known {
				continue
			}
			schedule(func() {
				if ctx.Err() != nil {
					return
				}
				w.reload(name)
			})
		}
	}
}

func (w *Watcher) reload(name string) {
	raw, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		w.logger.Warnw("cannot read parameter", "param", name, "error", err)
		return
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		w.logger.Warnw("ignoring malformed parameter value", "param", name, "value", strings.TrimSpace(string(raw)))
		return
	}

	switch name {
	case PeriodMSName:
		w.params.SetPeriodMS(uint32(val))
	case PeriodCountName:
		w.params.SetPeriodCount(uint32(val))
	}
	w.logger.Infow("parameter changed", "param", name, "value", val)
}

// Close stops watching. The files are left in place.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.workers.Stop()
	return err
}
