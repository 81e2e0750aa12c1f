// Package replica keeps a local copy of an index directory in sync with a
// master copy that is updated by another process.
//
// Both the master and the replica hold two generations of the index, in the
// subdirectories `1` and `2`, plus a marker file that names the current one
// (see package marker). The replica periodically copies the master's current
// generation into its own non-current slot, and only switches readers over
// once the copy finished. Readers never observe a partially copied
// generation, and never take a lock.
package replica

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/sidkik/replica/pkg/config"
	"github.com/sidkik/replica/pkg/copier"
	"github.com/sidkik/replica/pkg/directory"
	"github.com/sidkik/replica/pkg/errors"
	"github.com/sidkik/replica/pkg/fswatch"
	"github.com/sidkik/replica/pkg/marker"
	"github.com/sidkik/replica/pkg/metrics"
	"github.com/sidkik/replica/pkg/scheduler"
)

const (
	// DefaultMarkerRetryDelay is the time between two lookups of the source
	// marker during Initialize.
	DefaultMarkerRetryDelay = 5 * time.Second

	// LockFileName is the file in the replica directory that is locked while
	// a Provider is started.
	LockFileName = "replica.lock"
)

// State is the lifecycle stage of a Provider.
type State int32

const (
	// Uninitialized is the state of a new Provider.
	Uninitialized State = iota
	// Initialized means that the configuration was checked.
	Initialized
	// Started means that readers can use CurrentDirectory, and that syncs
	// are scheduled.
	Started
	// Stopped is final.
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Provider serves the current generation of a replicated index, and keeps it
// up to date.
type Provider struct {
	cfg        config.Index
	fs         afero.Fs
	clock      clockwork.Clock
	log        *log.Entry
	metrics    *metrics.IndexMetrics
	retryDelay time.Duration

	sourceDir  string
	replicaDir string
	copyOpts   copier.Options

	state   atomic.Int32
	current atomic.Int32
	slots   [2]*directory.Directory

	// lifecycleLock serializes Initialize, Start and Stop.
	lifecycleLock sync.Mutex
	lock          *flock.Flock
	scheduler     atomic.Pointer[scheduler.Scheduler]
	stopWatch     func() error
	watchDone     chan struct{}

	// syncLock serializes sync cycles, whether they come from the scheduler
	// or from a direct call to SyncOnce.
	syncLock sync.Mutex

	statusLock sync.Mutex
	sourceGen  marker.Generation
	lastSync   time.Time
	lastErr    error
}

// Option configures a Provider.
type Option func(*Provider)

// WithFs sets the filesystem holding both the source and the replica.
func WithFs(fs afero.Fs) Option {
	return func(p *Provider) {
		p.fs = fs
	}
}

// WithClock sets the clock used to schedule syncs and marker lookups.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Provider) {
		p.clock = clock
	}
}

// WithLogger sets the logger. By default, the standard logger is used with
// an `index` field.
func WithLogger(entry *log.Entry) Option {
	return func(p *Provider) {
		p.log = entry
	}
}

// WithMetrics records sync cycles in `m`.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provider) {
		p.metrics = m.ForIndex(p.cfg.Name)
	}
}

// WithMarkerRetryDelay sets the time between two lookups of the source
// marker during Initialize.
func WithMarkerRetryDelay(d time.Duration) Option {
	return func(p *Provider) {
		p.retryDelay = d
	}
}

// New creates a Provider for the index configured by `cfg`. Unset optional
// settings take their default value.
func New(cfg config.Index, opts ...Option) *Provider {
	p := &Provider{
		cfg:        cfg.WithDefaults(),
		fs:         afero.NewOsFs(),
		clock:      clockwork.NewRealClock(),
		retryDelay: DefaultMarkerRetryDelay,
	}
	p.log = log.WithField("index", p.cfg.Name)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize checks the configuration, waits for the source to publish a
// generation, and creates the replica directory. Errors are
// ConfigurationErrors, except when ctx is cancelled.
func (p *Provider) Initialize(ctx context.Context) error {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()

	if state := p.State(); state != Uninitialized {
		return fmt.Errorf("cannot initialize a provider that is %s", state)
	}

	if err := p.cfg.Validate(); err != nil {
		return err
	}

	p.sourceDir = p.cfg.SourceDir()
	p.replicaDir = p.cfg.ReplicaDir()

	if _, err := p.lookupSourceMarker(ctx); err != nil {
		return err
	}

	if err := p.fs.MkdirAll(p.replicaDir, 0755); err != nil {
		return p.configError("cannot create replica directory", err)
	}
	isDir, err := afero.IsDir(p.fs, p.replicaDir)
	if err != nil || !isDir {
		return p.configError(fmt.Sprintf("%q is not a directory", p.replicaDir), err)
	}

	p.copyOpts = copier.Options{
		DeleteExtraneous: true,
		ChunkSize:        p.cfg.ChunkSize(),
		Concurrency:      p.cfg.CopyConcurrency,
	}
	if bps := p.cfg.MaxBytesPerSecond; bps > 0 {
		p.copyOpts.Limiter = rate.NewLimiter(rate.Limit(bps), int(min(bps, p.cfg.ChunkSize())))
	}

	p.state.Store(int32(Initialized))
	p.log.WithFields(log.Fields{
		"source":  p.sourceDir,
		"replica": p.replicaDir,
		"refresh": p.cfg.RefreshPeriod(),
	}).Info("Initialized replica")
	return nil
}

// lookupSourceMarker returns the current generation of the source. The first
// lookup happens right away, and is followed by up to RetryMarkerLookup
// retries.
func (p *Provider) lookupSourceMarker(ctx context.Context) (marker.Generation, error) {
	attempts := p.cfg.RetryMarkerLookup + 1
	for attempt := 1; ; attempt++ {
		gen, err := marker.Current(p.fs, p.sourceDir)
		if err == nil && gen.Valid() {
			return gen, nil
		}

		if attempt >= attempts {
			if err == nil {
				err = errors.ErrNoCurrentMarker
			}
			return marker.None, p.configError(
				fmt.Sprintf("no current marker in %q after %d attempts", p.sourceDir, attempts), err)
		}

		logger := p.log.WithFields(log.Fields{
			"source":  p.sourceDir,
			"attempt": attempt,
		})
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Warnf("Source has no current generation. Retrying in %s.", p.retryDelay)

		select {
		case <-ctx.Done():
			return marker.None, ctx.Err()
		case <-p.clock.After(p.retryDelay):
		}
	}
}

// Start opens the replica and starts the periodic sync. If the replica has
// never been populated, the source's current generation is copied into slot
// 1 before Start returns, so CurrentDirectory is usable as soon as Start
// succeeds. `ctx` bounds that initial copy.
func (p *Provider) Start(ctx context.Context) (err error) {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()

	if state := p.State(); state != Initialized {
		return fmt.Errorf("cannot start a provider that is %s", state)
	}

	defer func() {
		if err != nil {
			p.release()
			p.current.Store(int32(marker.None))
			p.state.Store(int32(Initialized))
		}
	}()

	p.lock = flock.New(filepath.Join(p.replicaDir, LockFileName))
	locked, err := p.lock.TryLock()
	if err != nil {
		return p.configError("cannot lock replica directory", err)
	}
	if !locked {
		return p.configError("replica directory is used by another process", nil)
	}

	for _, gen := range []marker.Generation{marker.One, marker.Two} {
		slot, err := directory.Open(p.fs, filepath.Join(p.replicaDir, marker.SlotName(gen)), gen)
		if err != nil {
			return p.configError("cannot open replica slot", err)
		}
		p.slots[gen-1] = slot
	}

	gen, err := marker.Resolve(p.fs, p.replicaDir)
	if err != nil {
		return errors.WithContext(err, "resolve replica generation")
	}

	if gen == marker.None {
		if err := p.populate(ctx); err != nil {
			return err
		}
		gen = marker.One
	}

	p.current.Store(int32(gen))
	p.metrics.Generation(int32(gen))

	// Syncs are accepted from here on, including those triggered by the
	// watcher before Start returns.
	p.state.Store(int32(Started))

	sched := scheduler.New(p.clock, p.cfg.RefreshPeriod(), p.syncTask,
		scheduler.WithLogger(p.log),
		scheduler.WithSkipHook(p.metrics.SkippedTick))
	p.scheduler.Store(sched)
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.WithContext(err, "start scheduler")
	}

	if p.cfg.WatchSource {
		p.watchSource(sched)
	}

	p.log.WithField("generation", gen).Info("Started replica")
	return nil
}

// populate fills slot 1 of an empty replica with the source's current
// generation, and makes it current.
func (p *Provider) populate(ctx context.Context) error {
	srcGen, err := marker.Current(p.fs, p.sourceDir)
	if err != nil {
		return errors.WithContext(err, "read source marker")
	}
	if !srcGen.Valid() {
		return p.configError("source has no current generation", errors.ErrNoCurrentMarker)
	}

	p.log.WithField("source generation", srcGen).Info(
		"Replica is empty. Copying the current generation of the source.")

	start := p.clock.Now()
	stats, err := copier.Synchronize(ctx, p.fs, p.sourceSlot(srcGen), p.slot(marker.One).Path(), p.copyOpts)
	p.metrics.Copy(stats.BytesCopied, p.clock.Since(start))
	if err != nil {
		p.metrics.Sync(metrics.ResultFailed)
		return errors.WithContext(err, "initial copy")
	}

	if err := marker.Publish(p.fs, p.replicaDir, marker.One); err != nil {
		return errors.WithContext(err, "publish initial generation")
	}
	p.metrics.Sync(metrics.ResultCopied)
	p.recordSync(srcGen, nil)
	return nil
}

func (p *Provider) watchSource(sched *scheduler.Scheduler) {
	events, stop, err := fswatch.Watch(p.sourceDir)
	if err != nil {
		p.log.WithError(err).Warn("Failed to watch the source. " +
			"Changes will only be picked up periodically.")
		return
	}

	p.stopWatch = stop
	p.watchDone = make(chan struct{})
	go func() {
		defer close(p.watchDone)
		for range events {
			p.log.Debug("Source markers changed. Requesting a sync.")
			sched.Trigger()
		}
	}()
}

func (p *Provider) syncTask(ctx context.Context) {
	// Failures are logged and recorded by SyncOnce, and retried on the next
	// tick.
	_ = p.SyncOnce(ctx)
}

// SyncOnce runs a single sync cycle. If the source's current generation
// differs from the one served to readers, it's copied into the other slot,
// and readers are switched over once the copy succeeded. On failure, readers
// keep using the previous generation.
func (p *Provider) SyncOnce(ctx context.Context) error {
	p.syncLock.Lock()
	defer p.syncLock.Unlock()

	// Stop marks the provider Stopped while holding syncLock, so no cycle
	// starts after the replica lock was released.
	if state := p.State(); state != Started {
		return fmt.Errorf("cannot sync a provider that is %s", state)
	}
	current := p.CurrentGeneration()

	srcGen, err := marker.Current(p.fs, p.sourceDir)
	if err != nil {
		err = errors.WithContext(err, "read source marker")
		p.log.WithError(err).Error("Failed to read the source generation")
		p.metrics.Sync(metrics.ResultFailed)
		p.recordSync(marker.None, err)
		return err
	}
	if !srcGen.Valid() {
		p.log.WithField("source", p.sourceDir).Warn(
			"Source has no current generation. Keeping the current replica.")
		p.metrics.Sync(metrics.ResultNoSource)
		p.recordSync(marker.None, nil)
		return nil
	}

	srcSlot := p.sourceSlot(srcGen)
	inSync, err := copier.InSync(p.fs, srcSlot, p.slot(current).Path())
	if err != nil {
		err = errors.WithContext(err, "compare generations")
		p.log.WithError(err).Error("Failed to compare the source and the replica")
		p.metrics.Sync(metrics.ResultFailed)
		p.recordSync(srcGen, err)
		return err
	}
	if inSync {
		p.log.WithField("generation", current).Debug("Replica is up to date")
		p.repairMarkers(current)
		p.metrics.Sync(metrics.ResultInSync)
		p.recordSync(srcGen, nil)
		return nil
	}

	target := current.Other()
	logger := p.log.WithFields(log.Fields{
		"source generation": srcGen,
		"from":              current,
		"to":                target,
	})
	logger.Info("Copying new generation")

	start := p.clock.Now()
	stats, err := copier.Synchronize(ctx, p.fs, srcSlot, p.slot(target).Path(), p.copyOpts)
	p.metrics.Copy(stats.BytesCopied, p.clock.Since(start))
	if err != nil {
		err = errors.WithContext(err, fmt.Sprintf("copy generation %s into slot %s", srcGen, target))
		logger.WithError(err).Errorf("Failed to copy. Readers keep using generation %s.", current)
		p.metrics.Sync(metrics.ResultFailed)
		p.recordSync(srcGen, err)
		return err
	}

	// Readers switch over here. Everything written by the copy happens
	// before this store.
	p.current.Store(int32(target))
	p.metrics.Generation(int32(target))

	if err := marker.Swap(p.fs, p.replicaDir, current, target); err != nil {
		logger.WithError(err).Warn("Failed to update the replica markers. " +
			"They are repaired on the next sync.")
	}

	logger.WithFields(log.Fields{
		"files": stats.FilesCopied,
		"bytes": stats.BytesCopied,
	}).Info("Switched to new generation")
	p.metrics.Sync(metrics.ResultCopied)
	p.recordSync(srcGen, nil)
	return nil
}

// repairMarkers points the replica's markers at `current` if an earlier swap
// failed to update them.
func (p *Provider) repairMarkers(current marker.Generation) {
	onDisk, err := marker.Current(p.fs, p.replicaDir)
	if err != nil {
		p.log.WithError(err).Warn("Failed to read the replica markers")
		return
	}
	if onDisk == current {
		return
	}

	logger := p.log.WithFields(log.Fields{
		"on disk":    onDisk,
		"generation": current,
	})
	if err := marker.Swap(p.fs, p.replicaDir, current.Other(), current); err != nil {
		logger.WithError(err).Warn("Failed to repair the replica markers")
		return
	}
	logger.Info("Repaired the replica markers")
}

// CurrentDirectory returns the handle on the generation that readers should
// use. It never blocks, and can be called from any goroutine once Start
// succeeded. Calling it before Start is a programming error, and panics.
func (p *Provider) CurrentDirectory() *directory.Directory {
	gen := marker.Generation(p.current.Load())
	if !gen.Valid() {
		panic("replica: CurrentDirectory called before Start")
	}
	return p.slots[gen-1]
}

// CurrentGeneration returns the generation served to readers, or
// marker.None before Start.
func (p *Provider) CurrentGeneration() marker.Generation {
	return marker.Generation(p.current.Load())
}

// State returns the lifecycle stage of the provider.
func (p *Provider) State() State {
	return State(p.state.Load())
}

// Stop stops the periodic sync, cancelling and waiting for a copy in
// progress, and releases the replica. It's safe to call in any state, and
// more than once.
func (p *Provider) Stop() error {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()

	if p.State() == Stopped {
		return nil
	}

	// Cancel the scheduled sync first, then wait for a direct SyncOnce call
	// to finish before the replica lock goes away.
	p.stopBackground()
	p.syncLock.Lock()
	p.state.Store(int32(Stopped))
	p.syncLock.Unlock()

	err := p.release()
	p.log.Info("Stopped replica")
	return err
}

// stopBackground stops the source watcher and the scheduler, waiting for a
// running sync to return.
func (p *Provider) stopBackground() {
	if p.stopWatch != nil {
		if err := p.stopWatch(); err != nil {
			p.log.WithError(err).Warn("Failed to stop the source watcher")
		}
		<-p.watchDone
		p.stopWatch = nil
	}

	if sched := p.scheduler.Swap(nil); sched != nil {
		sched.Stop()
	}
}

// release stops the background goroutines, and closes everything opened by
// Start.
func (p *Provider) release() error {
	p.stopBackground()

	for _, slot := range p.slots {
		if slot != nil {
			slot.Close()
		}
	}

	if p.lock != nil {
		err := p.lock.Unlock()
		p.lock = nil
		if err != nil {
			return errors.WithContext(err, "unlock replica directory")
		}
	}
	return nil
}

// Status describes the replication of an index.
type Status struct {
	Index      string
	State      State
	Current    marker.Generation
	Source     marker.Generation
	LastSync   time.Time
	LastError  error
	InProgress bool
}

// Status returns a snapshot of the provider's state.
func (p *Provider) Status() Status {
	p.statusLock.Lock()
	defer p.statusLock.Unlock()

	status := Status{
		Index:     p.cfg.Name,
		State:     p.State(),
		Current:   p.CurrentGeneration(),
		Source:    p.sourceGen,
		LastSync:  p.lastSync,
		LastError: p.lastErr,
	}
	if sched := p.scheduler.Load(); sched != nil {
		status.InProgress = sched.InProgress()
	}
	return status
}

func (p *Provider) recordSync(srcGen marker.Generation, err error) {
	p.statusLock.Lock()
	defer p.statusLock.Unlock()
	p.sourceGen = srcGen
	p.lastSync = p.clock.Now()
	p.lastErr = err
}

func (p *Provider) slot(gen marker.Generation) *directory.Directory {
	return p.slots[gen-1]
}

func (p *Provider) sourceSlot(gen marker.Generation) string {
	return filepath.Join(p.sourceDir, marker.SlotName(gen))
}

func (p *Provider) configError(reason string, err error) error {
	return errors.ConfigurationError{Index: p.cfg.Name, Reason: reason, Err: err}
}
