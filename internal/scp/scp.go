// Package scp runs the DICOM server: it accepts incoming associations and
// dispatches C-ECHO, C-STORE, C-FIND and C-MOVE to the archive.
package scp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/halcyonmed/dicom-archive/internal/dimse"
	"github.com/rs/zerolog/log"
)

// StoreEvent carries one object received over C-STORE.
type StoreEvent struct {
	RemoteAET      string
	CalledAET      string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Object         []byte

	MoveOriginatorAET string
	MoveOriginatorID  uint16
}

// FindEvent is one incoming C-FIND.
type FindEvent struct {
	RemoteAET string
	SOPClass  string
	Query     *dimse.Dataset
}

// MoveEvent is one incoming C-MOVE.
type MoveEvent struct {
	RemoteAET string
	TargetAET string
	SOPClass  string
	MessageID uint16
	Query     *dimse.Dataset
}

// MoveSession drives the sub-operations of one C-MOVE. Remaining counts down
// as Step sends instances; the connection reports a pending response after
// each successful step.
type MoveSession interface {
	Remaining() int
	Step(ctx context.Context) error
	Close()
}

// Handler is the archive-facing side of the server.
type Handler interface {
	// Echo validates an incoming C-ECHO from remoteAET.
	Echo(remoteAET string) error

	// Store ingests one object; its error decides the DIMSE status.
	Store(ctx context.Context, event StoreEvent) error

	// Find answers a query with the matching identifier datasets.
	Find(ctx context.Context, event FindEvent) ([]*dimse.Dataset, error)

	// Move resolves a retrieve request into a session of sub-operations.
	Move(ctx context.Context, event MoveEvent) (MoveSession, error)
}

// Config configures the DICOM server.
type Config struct {
	AET    string
	Port   int
	MaxPDU uint32
}

// Server accepts DICOM associations on a TCP port.
type Server struct {
	cfg      Config
	handler  Handler
	listener net.Listener

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a stopped server.
func NewServer(cfg Config, handler Handler) *Server {
	if cfg.MaxPDU == 0 {
		cfg.MaxPDU = dimse.DefaultMaxPDULength
	}
	return &Server{cfg: cfg, handler: handler}
}

// Start binds the port and serves associations until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding DICOM port %d: %w", s.cfg.Port, err)
	}
	s.listener = listener

	log.Info().Str("aet", s.cfg.AET).Int("port", s.cfg.Port).Msg("DICOM server listening")

	s.wg.Add(1)
	go s.serve()
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Accept failed on the DICOM port")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := newConn(conn, s.cfg, s.handler)
			if err := c.run(); err != nil {
				log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).
					Msg("Association terminated")
			}
		}()
	}
}

// Stop closes the listener and waits for the running associations.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	log.Info().Msg("DICOM server stopped")
}
