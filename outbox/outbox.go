package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"ecb-maintenance/domain"
)

// Backend is the durable destination of board snapshots.
type Backend interface {
	SaveBoard(ctx context.Context, snapshot domain.Snapshot) error
}

type Config struct {
	Dir            string
	Workers        int
	BatchSize      int
	BufferSize     int
	FlushInterval  time.Duration
	SaveTimeout    time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	SegmentBytes   int64
	SyncEvery      int
	SyncInterval   time.Duration
}

var (
	ErrSaturated = errors.New("board outbox is saturated")
	ErrClosed    = errors.New("board outbox is closed")
)

// Outbox journals board snapshots and delivers them to a Backend in the background.
// Deliveries within a batch are coalesced to the highest version, and a record older than
// the last delivered version is acknowledged without a backend call.
type Outbox struct {
	cfg      Config
	backend  Backend
	logger   *log.Logger
	journal  *journal
	workCh   chan *record
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu          sync.Mutex
	inflight    map[uint64]*record
	acked       map[uint64]struct{}
	nextAck     uint64
	lastVersion uint64
	parked      []*record
	draining    bool
	closing     bool
	delivered   atomic.Uint64
	superseded  atomic.Uint64
	started     time.Time
}

// Open recovers the journal in cfg.Dir and starts the workers. Undelivered records found in
// the journal are redelivered.
func Open(cfg Config, backend Backend, logger *log.Logger) (*Outbox, error) {
	if backend == nil {
		return nil, errors.New("outbox backend is required")
	}
	if logger == nil {
		return nil, errors.New("outbox logger is required")
	}
	cfg = withDefaults(cfg)

	j, pending, err := openJournal(journalConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		journal:  j,
		workCh:   make(chan *record, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*record),
		acked:    make(map[uint64]struct{}),
		nextAck:  j.committed,
		started:  time.Now().UTC(),
	}

	sort.Slice(pending, func(a, b int) bool { return pending[a].Offset < pending[b].Offset })
	for _, rec := range pending {
		o.inflight[rec.Offset] = rec
	}
	if len(pending) > 0 {
		logger.WithField("records", len(pending)).Info("redelivering journaled board snapshots")
	}

	for i := 0; i < cfg.Workers; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	if cfg.SyncInterval > 0 && cfg.SyncEvery > 1 {
		go o.syncLoop()
	}
	go func() {
		for _, rec := range pending {
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
				return
			}
		}
	}()

	return o, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * cfg.BatchSize * 2
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 30 * time.Second
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = 64 * 1024 * 1024
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 1
	}
	return cfg
}

// Save journals snapshot and hands it to a worker. When no worker accepts the record within
// the handoff timeout it stays journaled and is parked; a single drainer feeds the newest
// parked record to the workers and acknowledges the older ones as superseded.
func (o *Outbox) Save(snapshot domain.Snapshot) error {
	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return ErrClosed
	}

	rec := &record{
		Snapshot: domain.Snapshot{
			Version:   snapshot.Version,
			Lists:     domain.CloneLists(snapshot.Lists),
			UpdatedAt: snapshot.UpdatedAt,
		},
		Queued: time.Now().UTC(),
	}

	o.journal.mu.Lock()
	if err := o.journal.appendLocked(rec); err != nil {
		o.journal.mu.Unlock()
		return err
	}
	if err := o.journal.syncIfNeededLocked(); err != nil {
		if rbErr := o.journal.rollbackLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("journal rollback failed")
		}
		o.journal.mu.Unlock()
		return err
	}
	o.journal.mu.Unlock()

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	err := o.handoff(rec)
	if errors.Is(err, ErrSaturated) {
		o.park(rec)
		return nil
	}
	// ErrClosed leaves the record journaled for the next Open.
	return err
}

func (o *Outbox) park(rec *record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parked = append(o.parked, rec)
	o.logger.WithFields(log.Fields{
		"version": rec.Snapshot.Version,
		"parked":  len(o.parked),
	}).Warn("board outbox saturated, snapshot parked")
	if o.draining || o.closing {
		return
	}
	o.draining = true
	o.retryWG.Add(1)
	go o.drainParked()
}

func (o *Outbox) drainParked() {
	defer o.retryWG.Done()
	for {
		o.mu.Lock()
		parked := o.parked
		o.parked = nil
		if len(parked) == 0 {
			o.draining = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		newest := parked[0]
		for _, rec := range parked[1:] {
			if rec.Snapshot.Version > newest.Snapshot.Version {
				newest = rec
			}
		}
		if len(parked) > 1 {
			rest := make([]*record, 0, len(parked)-1)
			for _, rec := range parked {
				if rec != newest {
					rest = append(rest, rec)
				}
			}
			o.superseded.Add(uint64(len(rest)))
			o.markDelivered(rest)
		}

		select {
		case o.workCh <- newest:
		case <-o.stopCh:
			return
		}
	}
}

func (o *Outbox) handoff(rec *record) error {
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-o.stopCh:
		return ErrClosed
	}
}

func (o *Outbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.journal.mu.Lock()
			err := o.journal.syncLocked()
			o.journal.mu.Unlock()
			if errors.Is(err, errJournalClosed) {
				return
			}
			if err != nil {
				o.logger.WithError(err).Error("outbox journal sync failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Outbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*record, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					return
				}
				batch = append(batch, rec)
				timer.Reset(o.cfg.FlushInterval)
			case <-o.stopCh:
				return
			}
		}

	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					break gather
				}
				batch = append(batch, rec)
			case <-timer.C:
				timer.Reset(o.cfg.FlushInterval)
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.flushBatch(batch, id)
		batch = batch[:0]
	}
}

func (o *Outbox) flushBatch(batch []*record, workerID int) {
	if len(batch) == 0 {
		return
	}

	newest := batch[0]
	for _, rec := range batch[1:] {
		if rec.Snapshot.Version > newest.Snapshot.Version {
			newest = rec
		}
	}

	o.mu.Lock()
	stale := newest.Snapshot.Version <= o.lastVersion
	o.mu.Unlock()
	if stale {
		o.superseded.Add(uint64(len(batch)))
		o.markDelivered(batch)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SaveTimeout)
	defer cancel()

	if err := o.backend.SaveBoard(ctx, newest.Snapshot); err != nil {
		newest.Attempt++
		newest.LastErr = err.Error()
		o.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"version": newest.Snapshot.Version,
			"offset":  newest.Offset,
			"attempt": newest.Attempt,
		}).Error("board outbox save failed")

		rest := make([]*record, 0, len(batch)-1)
		for _, rec := range batch {
			if rec != newest {
				rest = append(rest, rec)
			}
		}
		if len(rest) > 0 {
			o.superseded.Add(uint64(len(rest)))
			o.markDelivered(rest)
		}
		o.scheduleRetry(newest)
		return
	}

	newest.Attempt = 0
	newest.LastErr = ""
	o.mu.Lock()
	if newest.Snapshot.Version > o.lastVersion {
		o.lastVersion = newest.Snapshot.Version
	}
	o.mu.Unlock()
	o.superseded.Add(uint64(len(batch) - 1))
	o.markDelivered(batch)
}

// markDelivered acknowledges records and advances the checkpoint over every contiguous
// acknowledged offset.
func (o *Outbox) markDelivered(records []*record) {
	var maxCommit uint64

	o.mu.Lock()
	for _, rec := range records {
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
	}
	o.delivered.Add(uint64(len(records)))
	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; !ok {
			break
		}
		delete(o.acked, next)
		o.nextAck = next
		maxCommit = next
	}
	o.mu.Unlock()

	if maxCommit > 0 {
		o.journal.mu.Lock()
		if err := o.journal.commitLocked(maxCommit); err != nil && !errors.Is(err, errJournalClosed) {
			o.logger.WithError(err).Error("failed to commit outbox journal")
		}
		o.journal.mu.Unlock()
	}
}

func (o *Outbox) scheduleRetry(rec *record) {
	delay := exponentialBackoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	o.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer o.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// Pending returns the newest snapshot that has been journaled but not yet delivered.
func (o *Outbox) Pending() (domain.Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var newest *record
	for _, rec := range o.inflight {
		if newest == nil || rec.Snapshot.Version > newest.Snapshot.Version {
			newest = rec
		}
	}
	if newest == nil {
		return domain.Snapshot{}, false
	}
	return domain.Snapshot{
		Version:   newest.Snapshot.Version,
		Lists:     domain.CloneLists(newest.Snapshot.Lists),
		UpdatedAt: newest.Snapshot.UpdatedAt,
	}, true
}

type Stats struct {
	QueueDepth  int           `json:"queueDepth"`
	Buffered    int           `json:"buffered"`
	OldestAge   time.Duration `json:"oldestAge"`
	Delivered   uint64        `json:"delivered"`
	Superseded  uint64        `json:"superseded"`
	LastVersion uint64        `json:"lastVersion"`
	StartedAt   time.Time     `json:"startedAt"`
	DrainRate   float64       `json:"drainRatePerSecond"`
}

func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		if age := now.Sub(rec.Queued); age > oldest {
			oldest = age
		}
	}

	delivered := o.delivered.Load()
	rps := 0.0
	if elapsed := time.Since(o.started); elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}

	return Stats{
		QueueDepth:  len(o.inflight),
		Buffered:    len(o.workCh),
		OldestAge:   oldest,
		Delivered:   delivered,
		Superseded:  o.superseded.Load(),
		LastVersion: o.lastVersion,
		StartedAt:   o.started,
		DrainRate:   rps,
	}
}

// Close stops the workers and closes the journal. Records not yet delivered stay in the
// journal and are redelivered by the next Open.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.workerWG.Wait()
	o.retryWG.Wait()
	return o.journal.close()
}
