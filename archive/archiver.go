package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/mpc-relay/common"
	"github.com/ruteri/mpc-relay/interfaces"
	"github.com/ruteri/mpc-relay/metrics"
	"github.com/ruteri/mpc-relay/protocol"
)

// RecordVersion is the format version of archived records.
const RecordVersion = 1

// Record is what the archive stores for an ended session.
type Record struct {
	Version      int                      `json:"version"`
	Session      protocol.SessionSnapshot `json:"session"`
	ArchivedAt   time.Time                `json:"archived_at"`
	RelayVersion string                   `json:"relay_version"`
}

// Config controls the archiver.
type Config struct {
	// QueueSize bounds the records waiting to be stored. Records arriving
	// while the queue is full are dropped and counted.
	QueueSize int
	// MaxRetryTime bounds how long a single record is retried.
	MaxRetryTime time.Duration
	// IndexSize is how many session to content ID mappings are remembered
	// for lookups by session.
	IndexSize int
}

func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		MaxRetryTime: time.Minute,
		IndexSize:    10000,
	}
}

// Archiver persists records of ended sessions in the background.
type Archiver struct {
	backend interfaces.ArchiveBackend
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	queue chan protocol.SessionSnapshot

	mu    sync.Mutex
	index map[interfaces.SessionID]interfaces.ContentID
	order []interfaces.SessionID
}

func NewArchiver(backend interfaces.ArchiveBackend, cfg Config, log *slog.Logger) *Archiver {
	return &Archiver{
		backend: backend,
		cfg:     cfg,
		log:     log.With("component", "archive"),
		now:     time.Now,
		queue:   make(chan protocol.SessionSnapshot, cfg.QueueSize),
		index:   make(map[interfaces.SessionID]interfaces.ContentID),
	}
}

// SessionEnded queues a snapshot for archiving without blocking. It is
// meant to be installed as the router's session ended hook.
func (a *Archiver) SessionEnded(snap protocol.SessionSnapshot) {
	select {
	case a.queue <- snap:
		metrics.ArchiveQueue.Set(float64(len(a.queue)))
	default:
		metrics.SessionsArchived.WithLabelValues("dropped").Inc()
		a.log.Warn("Archive queue full, dropping session record", "session", snap.SessionID)
	}
}

// Run stores queued records until ctx is done, then drains what is left
// with a final attempt each, bounded by drainTimeout.
func (a *Archiver) Run(ctx context.Context, drainTimeout time.Duration) {
	for {
		select {
		case snap := <-a.queue:
			metrics.ArchiveQueue.Set(float64(len(a.queue)))
			a.archive(ctx, snap, a.cfg.MaxRetryTime)
		case <-ctx.Done():
			a.drain(drainTimeout)
			return
		}
	}
}

func (a *Archiver) drain(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		select {
		case snap := <-a.queue:
			a.archive(ctx, snap, 0)
		default:
			metrics.ArchiveQueue.Set(0)
			return
		}
	}
}

func (a *Archiver) archive(ctx context.Context, snap protocol.SessionSnapshot, maxRetry time.Duration) {
	log := a.log.With("session", snap.SessionID, "state", snap.State)

	data, err := json.Marshal(Record{
		Version:      RecordVersion,
		Session:      snap,
		ArchivedAt:   a.now().UTC(),
		RelayVersion: common.Version,
	})
	if err != nil {
		metrics.SessionsArchived.WithLabelValues("failed").Inc()
		log.Error("Failed to encode session record", "err", err)
		return
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if maxRetry > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxElapsedTime = maxRetry
		b = eb
	}

	var id interfaces.ContentID
	err = backoff.RetryNotify(func() error {
		var err error
		id, err = a.backend.Store(ctx, data)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Debug("Archiving failed, retrying", "err", err, "retryIn", next)
	})
	if err != nil {
		metrics.SessionsArchived.WithLabelValues("failed").Inc()
		log.Error("Failed to archive session", "err", err)
		return
	}

	a.remember(snap.SessionID, id)
	metrics.SessionsArchived.WithLabelValues("stored").Inc()
	log.Info("Session archived", "contentID", id)
}

func (a *Archiver) remember(sid interfaces.SessionID, id interfaces.ContentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.index[sid]; !ok {
		a.order = append(a.order, sid)
	}
	a.index[sid] = id
	for len(a.order) > a.cfg.IndexSize {
		delete(a.index, a.order[0])
		a.order = a.order[1:]
	}
}

// Lookup returns the content ID of the latest record archived for sid by
// this process.
func (a *Archiver) Lookup(sid interfaces.SessionID) (interfaces.ContentID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.index[sid]
	return id, ok
}

// Fetch loads and verifies a record. Content that does not hash to id is
// rejected.
func (a *Archiver) Fetch(ctx context.Context, id interfaces.ContentID) (Record, error) {
	data, err := a.backend.Fetch(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if interfaces.ComputeID(data) != id {
		return Record{}, fmt.Errorf("archived content does not match %s", id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding archived record: %w", err)
	}
	if rec.Version != RecordVersion {
		return Record{}, errors.New("unsupported record version")
	}
	return rec, nil
}
