package services

import (
	"context"
	"errors"
	"fmt"

	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"classwatch-backend/internal/models"
)

var ErrBadCredential = errors.New("invalid school credential")

type SchoolStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.School, error)
}

// SchoolService is the per-school settings provider: it verifies the shared
// connection credentials and answers tracking-hours questions.
type SchoolService struct {
	schools SchoolStore
}

func NewSchoolService(schools SchoolStore) *SchoolService {
	return &SchoolService{schools: schools}
}

// VerifyCredential checks the shared credential a connection presented
// during its handshake. Staff and students share the staff credential;
// devices use the device credential.
func (s *SchoolService) VerifyCredential(ctx context.Context, schoolID uuid.UUID, role models.Role, credential string) error {
	school, err := s.schools.GetByID(ctx, schoolID)
	if err != nil {
		return err
	}
	if school == nil {
		return fmt.Errorf("school %s: %w", schoolID, ErrBadCredential)
	}

	hash := school.StaffCredentialHash
	if role == models.RoleDevice {
		hash = school.DeviceCredentialHash
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential)) != nil {
		return ErrBadCredential
	}
	return nil
}

// TracksAt reports whether heartbeats from the school should be recorded at
// time t. Outside the configured tracking window heartbeats are dropped
// before they reach the presence store.
func (s *SchoolService) TracksAt(ctx context.Context, schoolID uuid.UUID, t time.Time) (bool, error) {
	school, err := s.schools.GetByID(ctx, schoolID)
	if err != nil {
		return false, err
	}
	if school == nil {
		return false, fmt.Errorf("school %s not found", schoolID)
	}
	return school.TracksAt(t), nil
}

// HashCredential produces the stored form of a shared credential.
func HashCredential(credential string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
