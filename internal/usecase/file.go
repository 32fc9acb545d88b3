package usecase

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Load reads a use case from a JSON file and validates it. Files without an
// "id" get a name-based identifier derived from the type name, so the same
// file always yields the same identifier.
func Load(path string) (*UseCase, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("use case file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat use case file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("use case file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read use case file: %w", err)
	}

	uc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return uc, nil
}

// Parse decodes and validates a JSON encoded use case.
func Parse(data []byte) (*UseCase, error) {
	uc := &UseCase{}
	if err := json.Unmarshal(data, uc); err != nil {
		return nil, fmt.Errorf("failed to parse use case JSON: %w", err)
	}
	if uc.ID == uuid.Nil {
		uc.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(uc.TypeName))
	}
	if err := uc.Validate(); err != nil {
		return nil, err
	}
	return uc, nil
}

// Save writes the use case as indented JSON.
func Save(path string, uc *UseCase) error {
	data, err := json.MarshalIndent(uc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode use case: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write use case file: %w", err)
	}
	return nil
}
