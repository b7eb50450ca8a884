// Package generator runs the per-process service: it consumes the host
// event stream, maintains one document model and asset manager per open
// document, and shares a single render orchestrator between them.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/assets"
	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/render"
)

type managedDocument struct {
	doc *document.Document
	mgr *assets.Manager
}

// Service owns every active document's generation pipeline.
type Service struct {
	conn   host.Connection
	orch   *render.Orchestrator
	logger *zap.Logger

	mu   sync.Mutex
	cfg  *config.Config
	docs map[int]*managedDocument
}

// NewService builds a service around one host connection.
func NewService(conn host.Connection, cfg *config.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		conn: conn,
		orch: render.NewOrchestrator(cfg.ParallelRenders(),
			time.Duration(cfg.Render.DebounceMs)*time.Millisecond, logger),
		logger: logger,
		cfg:    cfg,
		docs:   make(map[int]*managedDocument),
	}
}

// SetConfig propagates a reloaded configuration to every open document.
func (s *Service) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	managed := make([]*managedDocument, 0, len(s.docs))
	for _, md := range s.docs {
		managed = append(managed, md)
	}
	s.mu.Unlock()
	for _, md := range managed {
		md.mgr.SetConfig(cfg)
	}
}

// Run consumes the host event stream until the context ends, then stops
// every document.
func (s *Service) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		select {
		case ev, ok := <-s.conn.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev host.Event) {
	switch ev.Type {
	case host.EventChange, host.EventComps:
		s.handleChangeEvent(ctx, ev)
	case host.EventDocumentClosed:
		s.closeDocument(ev.DocumentID)
	case host.EventCurrentDocumentChanged:
		// Activation is informational; generation keeps running for
		// every open document.
		s.logger.Debug("active document changed", zap.Int("document", ev.DocumentID))
	default:
		s.logger.Debug("ignoring host event", zap.String("type", ev.Type))
	}
}

func (s *Service) handleChangeEvent(ctx context.Context, ev host.Event) {
	md, err := s.ensureDocument(ctx, ev.DocumentID)
	if err != nil {
		s.logger.Error("cannot open document",
			zap.Int("document", ev.DocumentID), zap.Error(err))
		return
	}
	if len(ev.Body) == 0 {
		return
	}

	var raw document.RawChange
	if err := json.Unmarshal(ev.Body, &raw); err != nil {
		s.logger.Warn("undecodable change record",
			zap.Int("document", ev.DocumentID), zap.Error(err))
		return
	}

	if _, err := md.doc.ApplyChange(&raw); err != nil {
		switch {
		case err == document.ErrOutOfOrder:
			// Already logged by the model; nothing to recover.
		default:
			// The tree invariant is lost. Rebuild the whole document
			// from a fresh host snapshot.
			s.logger.Error("change validation failed, re-initializing",
				zap.Int("document", ev.DocumentID), zap.Error(err))
			s.closeDocument(ev.DocumentID)
			if _, err := s.ensureDocument(ctx, ev.DocumentID); err != nil {
				s.logger.Error("re-initialization failed",
					zap.Int("document", ev.DocumentID), zap.Error(err))
			}
		}
	}
}

// ensureDocument returns the managed pipeline for a document, creating it
// from a fresh host snapshot on first contact.
func (s *Service) ensureDocument(ctx context.Context, documentID int) (*managedDocument, error) {
	s.mu.Lock()
	if md, ok := s.docs[documentID]; ok {
		s.mu.Unlock()
		return md, nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	info, err := s.conn.GetDocumentInfo(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetching document info: %w", err)
	}
	doc, err := document.FromInfo(info, s.logger)
	if err != nil {
		return nil, err
	}

	mgr := assets.NewManager(s.conn, cfg, doc, s.orch, s.logger)
	if err := mgr.Start(); err != nil {
		return nil, err
	}

	md := &managedDocument{doc: doc, mgr: mgr}
	s.mu.Lock()
	s.docs[documentID] = md
	s.mu.Unlock()
	s.logger.Info("document opened", zap.Int("document", documentID))
	return md, nil
}

func (s *Service) closeDocument(documentID int) {
	s.mu.Lock()
	md, ok := s.docs[documentID]
	delete(s.docs, documentID)
	s.mu.Unlock()
	if !ok {
		return
	}
	md.mgr.Stop()
	md.doc.Close()
	s.logger.Info("document closed", zap.Int("document", documentID))
}

// Manager exposes a document's manager, mainly for tests and status.
func (s *Service) Manager(documentID int) *assets.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := s.docs[documentID]; ok {
		return md.mgr
	}
	return nil
}

func (s *Service) shutdown() {
	s.mu.Lock()
	var ids []int
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.closeDocument(id)
	}
	s.orch.Close()
}
