// Package manifest describes the files behind a run's final attachments.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/shared/utils"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Entry describes one attachment file
type Entry struct {
	SetURI      string `json:"set_uri"`
	DisplayName string `json:"display_name,omitempty"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path,omitempty"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Manifest lists every final attachment of a run
type Manifest struct {
	RunID       string    `json:"run_id,omitempty"`
	State       string    `json:"state,omitempty"`
	Algorithm   string    `json:"algorithm"`
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Builder inspects attachment files
type Builder struct {
	hasher *utils.Hasher
	logger *logging.Logger
	now    func() time.Time
}

// NewBuilder creates a builder using the default hasher
func NewBuilder(logger *logging.Logger) *Builder {
	return &Builder{
		hasher: utils.DefaultHasher(),
		logger: logging.OrNop(logger).Named("manifest"),
		now:    time.Now,
	}
}

// Build describes every attachment in sets. Files that cannot be read get an
// entry with Error set; only cancellation fails the build.
func (b *Builder) Build(ctx context.Context, sets []types.AttachmentSet) (*Manifest, error) {
	m := &Manifest{
		Algorithm:   string(b.hasher.Algorithm()),
		GeneratedAt: b.now().UTC(),
		Entries:     []Entry{},
	}

	for _, set := range sets {
		for _, a := range set.Attachments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, b.describe(set, a))
		}
	}
	return m, nil
}

func (b *Builder) describe(set types.AttachmentSet, a types.Attachment) Entry {
	e := Entry{
		SetURI:      set.URI,
		DisplayName: set.DisplayName,
		URI:         a.URI,
		Description: a.Description,
		Path:        a.LocalPath(),
	}

	info, err := os.Stat(e.Path)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	if !info.Mode().IsRegular() {
		e.Error = "not a regular file"
		return e
	}

	sum, n, err := b.hasher.HashFile(e.Path)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Digest = sum
	e.Size = n

	mtype, err := mimetype.DetectFile(e.Path)
	if err != nil {
		b.logger.Debug("mime detection failed", zap.String("path", e.Path), zap.Error(err))
	} else {
		e.MIMEType = mtype.String()
	}
	return e
}

// Encode renders the manifest as indented JSON
func (m *Manifest) Encode() ([]byte, error) {
	return sonic.MarshalIndent(m, "", "  ")
}

// WriteFile writes the manifest atomically
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads a manifest from disk
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}
