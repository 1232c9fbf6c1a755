package services

import (
	"errors"
	"fmt"

	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/halcyonmed/dicom-archive/internal/models"
	"gorm.io/gorm"
)

// ListModalities returns every configured modality.
func (s *ServerContext) ListModalities() ([]models.Modality, error) {
	var modalities []models.Modality
	if err := s.db.Order("symbolic ASC").Find(&modalities).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return modalities, nil
}

// GetModality resolves a modality by its symbolic name.
func (s *ServerContext) GetModality(symbolic string) (models.Modality, error) {
	var modality models.Modality
	err := s.db.First(&modality, "symbolic = ?", symbolic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return modality, errs.ErrInexistentItem
	}
	if err != nil {
		return modality, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return modality, nil
}

// GetModalityByAET resolves a modality by its application entity title. The
// C-MOVE service uses it to turn a move destination into a network address.
func (s *ServerContext) GetModalityByAET(aet string) (models.Modality, error) {
	var modality models.Modality
	err := s.db.First(&modality, "aet = ? AND is_active = ?", aet, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return modality, errs.ErrInexistentItem
	}
	if err != nil {
		return modality, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return modality, nil
}

// UpsertModality creates or replaces the modality registered under symbolic.
func (s *ServerContext) UpsertModality(modality models.Modality) (models.Modality, error) {
	if modality.Symbolic == "" || modality.AET == "" || modality.Host == "" {
		return modality, fmt.Errorf("%w: symbolic, aet and host are required", errs.ErrBadRequest)
	}
	if len(modality.AET) > 16 {
		return modality, fmt.Errorf("%w: aet exceeds 16 characters", errs.ErrBadRequest)
	}
	if modality.Port <= 0 || modality.Port > 65535 {
		return modality, fmt.Errorf("%w: port %d is out of range", errs.ErrBadRequest, modality.Port)
	}
	if modality.Quirk == "" {
		modality.Quirk = models.QuirkGeneric
	}

	existing, err := s.GetModality(modality.Symbolic)
	switch {
	case err == nil:
		modality.ID = existing.ID
		modality.CreatedAt = existing.CreatedAt
		if err := s.db.Save(&modality).Error; err != nil {
			return modality, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	case errors.Is(err, errs.ErrInexistentItem):
		if err := s.db.Create(&modality).Error; err != nil {
			return modality, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	default:
		return modality, err
	}
	return modality, nil
}

// DeleteModality removes a modality registration.
func (s *ServerContext) DeleteModality(symbolic string) error {
	modality, err := s.GetModality(symbolic)
	if err != nil {
		return err
	}
	if err := s.db.Delete(&modality).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}

// ListPeers returns every configured peer.
func (s *ServerContext) ListPeers() ([]models.Peer, error) {
	var peers []models.Peer
	if err := s.db.Order("symbolic ASC").Find(&peers).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return peers, nil
}

// GetPeer resolves a peer by its symbolic name.
func (s *ServerContext) GetPeer(symbolic string) (models.Peer, error) {
	var peer models.Peer
	err := s.db.First(&peer, "symbolic = ?", symbolic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return peer, errs.ErrInexistentItem
	}
	if err != nil {
		return peer, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return peer, nil
}

// UpsertPeer creates or replaces the peer registered under symbolic.
func (s *ServerContext) UpsertPeer(peer models.Peer) (models.Peer, error) {
	if peer.Symbolic == "" || peer.URL == "" {
		return peer, fmt.Errorf("%w: symbolic and url are required", errs.ErrBadRequest)
	}

	existing, err := s.GetPeer(peer.Symbolic)
	switch {
	case err == nil:
		peer.ID = existing.ID
		peer.CreatedAt = existing.CreatedAt
		if err := s.db.Save(&peer).Error; err != nil {
			return peer, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	case errors.Is(err, errs.ErrInexistentItem):
		if err := s.db.Create(&peer).Error; err != nil {
			return peer, fmt.Errorf("%w: %v", errs.ErrDatabase, err)
		}
	default:
		return peer, err
	}
	return peer, nil
}

// DeletePeer removes a peer registration.
func (s *ServerContext) DeletePeer(symbolic string) error {
	peer, err := s.GetPeer(symbolic)
	if err != nil {
		return err
	}
	if err := s.db.Delete(&peer).Error; err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDatabase, err)
	}
	return nil
}
