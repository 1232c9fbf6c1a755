// Package services wires the index, the storage area, the DICOM services
// and the jobs engine into the archive's core operations.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halcyonmed/dicom-archive/internal/cache"
	"github.com/halcyonmed/dicom-archive/internal/config"
	"github.com/halcyonmed/dicom-archive/internal/dicomtool"
	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/halcyonmed/dicom-archive/internal/index"
	"github.com/halcyonmed/dicom-archive/internal/jobs"
	"github.com/halcyonmed/dicom-archive/internal/metrics"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"github.com/halcyonmed/dicom-archive/internal/qr"
	"github.com/halcyonmed/dicom-archive/internal/storage"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Origin identifies where an ingested object came from.
type Origin struct {
	Source    string // "rest", "dimse" or "job"
	RemoteAET string
	CalledAET string
}

// InstanceFilter can veto an object before it reaches the index.
type InstanceFilter func(parsed *dicomtool.ParsedInstance, origin Origin) bool

// ServerContext owns the archive's state and exposes its operations.
type ServerContext struct {
	cfg       *config.Config
	idx       *index.Index
	db        *gorm.DB
	area      storage.Area
	accessor  *storage.Accessor
	engine    *jobs.Engine
	queries   *qr.Archive
	respCache cache.Cache
	parsed    *parseCache
	filter    InstanceFilter

	poolMu sync.Mutex
	pools  map[string]*dimse.Pool
}

// New assembles a ServerContext over already-initialized components.
func New(cfg *config.Config, db *gorm.DB, area storage.Area, engine *jobs.Engine, respCache cache.Cache) (*ServerContext, error) {
	compression := models.CompressionNone
	if cfg.Storage.Compress {
		compression = models.CompressionZlibWithSize
	}

	queries, err := qr.NewArchive(cfg.Dicom.QueryArchiveSize)
	if err != nil {
		return nil, err
	}
	parsed, err := newParseCache(128)
	if err != nil {
		return nil, err
	}

	return &ServerContext{
		cfg:       cfg,
		idx:       index.New(db),
		db:        db,
		area:      area,
		accessor:  storage.NewAccessor(area, compression),
		engine:    engine,
		queries:   queries,
		respCache: respCache,
		parsed:    parsed,
		pools:     make(map[string]*dimse.Pool),
	}, nil
}

// SetFilter installs the ingestion veto hook.
func (s *ServerContext) SetFilter(filter InstanceFilter) {
	s.filter = filter
}

// Jobs exposes the engine for the REST layer.
func (s *ServerContext) Jobs() *jobs.Engine {
	return s.engine
}

// Queries exposes the remote query archive.
func (s *ServerContext) Queries() *qr.Archive {
	return s.queries
}

// Index exposes the resource index.
func (s *ServerContext) Index() *index.Index {
	return s.idx
}

// listener reacts to committed index events: blobs of deleted attachments
// are removed, caches are invalidated, metrics are updated.
type listener struct {
	s *ServerContext
}

func (s *ServerContext) listener() index.Listener {
	return listener{s: s}
}

func (l listener) SignalResourceDeleted(publicID string, kind models.ResourceKind) {
	if kind == models.KindInstance {
		l.s.parsed.invalidate(publicID)
	}
	l.s.respCache.Clear(context.Background(), cache.ResourcePattern(publicID))
	log.Debug().Str("resource", publicID).Stringer("kind", kind).Msg("Resource deleted")
}

func (l listener) SignalFileDeleted(uuid string) {
	if err := l.s.area.Remove(uuid); err != nil {
		// The row is gone; a leaked blob only wastes space.
		log.Warn().Err(err).Str("uuid", uuid).Msg("Cannot remove blob of deleted attachment")
	}
}

func (l listener) SignalRemainingAncestor(publicID string, kind models.ResourceKind) {
	l.s.respCache.Clear(context.Background(), cache.ResourcePattern(publicID))
	log.Debug().Str("resource", publicID).Stringer("kind", kind).
		Msg("Nearest surviving ancestor after deletion")
}

func (l listener) SignalChange(change models.Change) {
	metrics.Changes.WithLabelValues(fmt.Sprintf("%d", change.ChangeType)).Inc()
	l.s.respCache.Delete(context.Background(), cache.StatisticsKey)
}

// Close releases the pooled outgoing associations.
func (s *ServerContext) Close() {
	s.poolMu.Lock()
	pools := s.pools
	s.pools = make(map[string]*dimse.Pool)
	s.poolMu.Unlock()

	for _, pool := range pools {
		pool.Close()
	}
}

// nowISO renders timestamps the way metadata stores them.
func nowISO() string {
	return time.Now().UTC().Format("20060102T150405")
}
