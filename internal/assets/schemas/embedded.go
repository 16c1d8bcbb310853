// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works in
// installed binaries regardless of the working directory.
package schemasassets

import _ "embed"

// PhononManifestSchema is the embedded phonon-manifest JSON schema.
//
//go:embed phonon-manifest.schema.json
var PhononManifestSchema []byte

// TransportManifestSchema is the embedded transport-manifest JSON schema.
//
//go:embed transport-manifest.schema.json
var TransportManifestSchema []byte
