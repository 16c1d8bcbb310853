package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/gomobility/internal/assets/schemas"
)

// Kind selects the manifest schema.
type Kind string

const (
	KindPhonon    Kind = "phonon"
	KindTransport Kind = "transport"
)

// SchemaID returns the schema identifier of the manifest kind.
func (k Kind) SchemaID() string {
	return "gomobility/v1.0.0/" + string(k) + "-manifest"
}

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed schema validation.
	ErrValidationFailed = errors.New("manifest validation failed")

	// ErrUnknownKind indicates a manifest kind without a schema.
	ErrUnknownKind = errors.New("unknown manifest kind")
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/ph/max_iterations").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

type compiled struct {
	once sync.Once
	v    *schema.Validator
	err  error
}

var validators = map[Kind]*compiled{
	KindPhonon:    {},
	KindTransport: {},
}

func schemaBytes(k Kind) []byte {
	switch k {
	case KindPhonon:
		return schemasassets.PhononManifestSchema
	case KindTransport:
		return schemasassets.TransportManifestSchema
	}
	return nil
}

// validator returns the cached validator of the kind, compiling the
// embedded schema on first use.
func validator(k Kind) (*schema.Validator, error) {
	c, ok := validators[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	c.once.Do(func() {
		data := schemaBytes(k)
		if len(data) == 0 {
			c.err = fmt.Errorf("%w: embedded %s schema is empty", ErrSchemaNotFound, k.SchemaID())
			return
		}
		c.v, c.err = schema.NewValidator(data)
		if c.err != nil {
			c.err = fmt.Errorf("failed to compile %s schema: %w", k.SchemaID(), c.err)
		}
	})
	return c.v, c.err
}

// ValidateRaw checks raw JSON data against the schema of the kind.
//
// Validation runs on the raw data so unknown fields are rejected
// (additionalProperties: false). Only error diagnostics are returned.
func ValidateRaw(k Kind, jsonData []byte) error {
	v, err := validator(k)
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}
