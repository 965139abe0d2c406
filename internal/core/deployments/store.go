package deployments

import (
	"fmt"

	"gorm.io/gorm"
)

// Store mirrors registry records into the database so deployments survive a
// process restart. The registry stays authoritative while the process is
// alive; the store is written after every transition and read once at boot
// for recovery. A nil Store disables persistence.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Deployment{}); err != nil {
		return nil, fmt.Errorf("migrate deployments table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(d Deployment) error {
	if s == nil {
		return nil
	}
	return s.db.Save(&d).Error
}

func (s *Store) Delete(id string) error {
	if s == nil {
		return nil
	}
	return s.db.Delete(&Deployment{}, "id = ?", id).Error
}

// LoadAll returns every stored record, for boot-time reconciliation.
func (s *Store) LoadAll() ([]Deployment, error) {
	if s == nil {
		return nil, nil
	}
	var out []Deployment
	if err := s.db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load deployment records: %w", err)
	}
	return out, nil
}
