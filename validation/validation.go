package validation

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nijaru/vid-feedback/errors"
)

// ValidateRunID checks that id is a run identifier.
func ValidateRunID(id string) error {
	const op = "validation.ValidateRunID"

	if strings.TrimSpace(id) == "" {
		return errors.InvalidInput(op, nil, "Run ID is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.InvalidInput(op, err, "Invalid run ID")
	}
	return nil
}

// ValidateInputFile checks that path names a readable JSON file.
func ValidateInputFile(path string) error {
	const op = "validation.ValidateInputFile"

	if path == "" {
		return errors.InvalidInput(op, nil, "Input file is required")
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return errors.InvalidInput(op, nil, fmt.Sprintf("Input file must be JSON, got %q", ext))
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.InvalidInput(op, err, fmt.Sprintf("Input file does not exist: %s", path))
		}
		return errors.InvalidInput(op, err, "Input file is not readable")
	}
	if info.IsDir() {
		return errors.InvalidInput(op, nil, fmt.Sprintf("Input path is a directory: %s", path))
	}
	return nil
}

// ValidateOutputDir checks that path is a directory or can become one.
func ValidateOutputDir(path string) error {
	const op = "validation.ValidateOutputDir"

	if path == "" {
		return errors.InvalidInput(op, nil, "Output directory is required")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.InvalidInput(op, err, "Output directory is not accessible")
	}
	if !info.IsDir() {
		return errors.InvalidInput(op, nil, fmt.Sprintf("Output path is not a directory: %s", path))
	}
	return nil
}

type RequestValidationOpts struct {
	MaxContentLength int64
	AllowedMethods   []string
	RequireJSON      bool
}

// ValidateRequest validates HTTP requests
func ValidateRequest(r *http.Request, opts RequestValidationOpts) error {
	const op = "validation.ValidateRequest"

	if len(opts.AllowedMethods) > 0 && !slices.Contains(opts.AllowedMethods, r.Method) {
		return errors.InvalidInput(op, nil, fmt.Sprintf("Method %s not allowed", r.Method))
	}

	if opts.RequireJSON {
		if contentType := r.Header.Get("Content-Type"); !strings.Contains(contentType, "application/json") {
			return errors.InvalidInput(op, nil, "Content-Type must be application/json")
		}
	}

	if opts.MaxContentLength > 0 && r.ContentLength > opts.MaxContentLength {
		return errors.InvalidInput(op, nil, "Request body too large")
	}

	return nil
}
