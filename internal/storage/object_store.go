package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// ContentTypeJSON is the content type of every design object.
	ContentTypeJSON = "application/json"

	opStoreNew         = "storage.store.new"
	opCreateEmpty      = "storage.create_empty_design"
	opGetDesign        = "storage.get_design"
	opUpdateDesign     = "storage.update_design"
	fieldPath          = "path"
	fieldProjectID     = "project_id"
	designDirectory    = "design"
	objectPermissions  = 0o644
	folderPermissions  = 0o755
	temporaryExtension = ".tmp"
)

var (
	// ErrDesignNotFound indicates that no object exists at the requested path.
	ErrDesignNotFound = errors.New("storage: design not found")

	errMissingFilesystem = errors.New("filesystem is required")
	errMissingPath       = errors.New("object path is required")
)

// ServiceError reports a failed storage operation with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// DesignObject locates a stored design.
type DesignObject struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

// DesignPath returns the deterministic object path of a project's design.
func DesignPath(projectID diagram.ProjectID) string {
	id := projectID.String()
	return path.Join(designDirectory, id, id+"-design.json")
}

// ObjectStoreConfig describes the dependencies of an ObjectStore.
type ObjectStoreConfig struct {
	Filesystem afero.Fs
	Logger     *zap.Logger
}

// ObjectStore keeps one JSON design document per project on a filesystem.
type ObjectStore struct {
	fs     afero.Fs
	logger *zap.Logger
}

// NewObjectStore validates the configuration and constructs an ObjectStore.
func NewObjectStore(cfg ObjectStoreConfig) (*ObjectStore, error) {
	if cfg.Filesystem == nil {
		return nil, newServiceError(opStoreNew, "missing_filesystem", errMissingFilesystem)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectStore{fs: cfg.Filesystem, logger: logger}, nil
}

// NewDiskFilesystem roots an OS filesystem at dir, creating it when absent.
func NewDiskFilesystem(dir string) (afero.Fs, error) {
	if err := os.MkdirAll(dir, folderPermissions); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(afero.NewOsFs(), dir), nil
}

// CreateEmptyDesign writes {"Nodes":[],"Edges":[]} at the project's design path.
func (s *ObjectStore) CreateEmptyDesign(ctx context.Context, projectID diagram.ProjectID) (DesignObject, error) {
	objectPath := DesignPath(projectID)
	if err := s.write(ctx, objectPath, diagram.Empty()); err != nil {
		s.logError(opCreateEmpty, "write_failed", err, zap.String(fieldProjectID, projectID.String()))
		return DesignObject{}, newServiceError(opCreateEmpty, "write_failed", err)
	}
	return DesignObject{Path: objectPath, ContentType: ContentTypeJSON}, nil
}

// GetDesign reads the design stored at objectPath. A missing object yields ErrDesignNotFound.
func (s *ObjectStore) GetDesign(ctx context.Context, objectPath string) (diagram.Diagram, error) {
	if objectPath == "" {
		return diagram.Diagram{}, newServiceError(opGetDesign, "missing_path", errMissingPath)
	}
	if err := ctx.Err(); err != nil {
		return diagram.Diagram{}, newServiceError(opGetDesign, "cancelled", err)
	}
	content, err := afero.ReadFile(s.fs, objectPath)
	if errors.Is(err, os.ErrNotExist) {
		return diagram.Diagram{}, newServiceError(opGetDesign, "not_found", ErrDesignNotFound)
	}
	if err != nil {
		s.logError(opGetDesign, "read_failed", err, zap.String(fieldPath, objectPath))
		return diagram.Diagram{}, newServiceError(opGetDesign, "read_failed", err)
	}
	var design diagram.Diagram
	if err := json.Unmarshal(content, &design); err != nil {
		s.logError(opGetDesign, "decode_failed", err, zap.String(fieldPath, objectPath))
		return diagram.Diagram{}, newServiceError(opGetDesign, "decode_failed", err)
	}
	return design.Normalize(), nil
}

// UpdateDesign replaces the design stored at objectPath.
func (s *ObjectStore) UpdateDesign(ctx context.Context, design diagram.Diagram, objectPath string) error {
	if objectPath == "" {
		return newServiceError(opUpdateDesign, "missing_path", errMissingPath)
	}
	if err := s.write(ctx, objectPath, design.Normalize()); err != nil {
		s.logError(opUpdateDesign, "write_failed", err, zap.String(fieldPath, objectPath))
		return newServiceError(opUpdateDesign, "write_failed", err)
	}
	return nil
}

// write stages the document next to its destination and renames it into place
// so readers never observe a partial object.
func (s *ObjectStore) write(ctx context.Context, objectPath string, design diagram.Diagram) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := json.Marshal(design)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(objectPath), folderPermissions); err != nil {
		return err
	}
	staging := objectPath + "." + uuid.NewString() + temporaryExtension
	if err := afero.WriteFile(s.fs, staging, content, objectPermissions); err != nil {
		return err
	}
	if err := s.fs.Rename(staging, objectPath); err != nil {
		_ = s.fs.Remove(staging)
		return err
	}
	return nil
}

func (s *ObjectStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("object store error", attrs...)
}
