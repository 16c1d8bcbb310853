package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaulter is implemented by every manifest type.
type defaulter interface {
	ApplyDefaults()
}

// LoadPhonon reads and validates a phonon manifest from path.
func LoadPhonon(path string) (*PhononManifest, error) {
	return loadFile[PhononManifest](KindPhonon, path)
}

// LoadPhononFromBytes parses and validates a phonon manifest. The path is
// used for format detection and error messages and may be empty.
func LoadPhononFromBytes(data []byte, path string) (*PhononManifest, error) {
	return loadBytes[PhononManifest](KindPhonon, data, path)
}

// LoadTransport reads and validates a transport manifest from path.
func LoadTransport(path string) (*TransportManifest, error) {
	return loadFile[TransportManifest](KindTransport, path)
}

// LoadTransportFromBytes parses and validates a transport manifest.
func LoadTransportFromBytes(data []byte, path string) (*TransportManifest, error) {
	return loadBytes[TransportManifest](KindTransport, data, path)
}

// LoadTransportFromReader reads and validates a transport manifest from r.
func LoadTransportFromReader(r io.Reader, path string) (*TransportManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadTransportFromBytes(data, path)
}

// loadFile reads path and hands it to loadBytes.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON. Unrecognized extensions are tried as YAML first, then JSON.
func loadFile[T any, PT interface {
	*T
	defaulter
}](k Kind, path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return loadBytes[T, PT](k, data, path)
}

// loadBytes validates the raw document against the schema of k before
// decoding it, then applies defaults.
func loadBytes[T any, PT interface {
	*T
	defaulter
}](k Kind, data []byte, path string) (*T, error) {
	if len(data) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(k, jsonData); err != nil {
		return nil, err
	}

	var m T
	if err := decode(data, path, &m); err != nil {
		return nil, err
	}
	PT(&m).ApplyDefaults()
	return &m, nil
}

func isJSON(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".json"
}

func decode(data []byte, path string, out any) error {
	if isJSON(path) {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return nil
	}
	// YAML is a superset of JSON, so unknown extensions go through YAML.
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	return nil
}

// toJSON converts the document to JSON for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	if isJSON(path) {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return jsonData, nil
}
