// Package remote describes calculation output folders and the lookup of the
// calculation that produced a folder.
//
// A Folder is an opaque handle to a scratch directory on a computer. The
// workflows never inspect folder contents directly; they resolve the
// producing Calculation through a Resolver and read its recorded inputs and
// outputs.
package remote

import (
	"context"
	"encoding/json"
	"path"
	"time"
)

// Folder is a directory on a computer.
type Folder struct {
	// Computer identifies the machine holding the folder.
	Computer string `json:"computer" yaml:"computer"`

	// Path is the absolute path of the folder on Computer.
	Path string `json:"path" yaml:"path"`
}

// RemotePath returns the absolute path of the folder.
func (f Folder) RemotePath() string {
	return f.Path
}

// Join returns the absolute path of elem inside the folder.
func (f Folder) Join(elem ...string) string {
	return path.Join(append([]string{f.Path}, elem...)...)
}

// IsZero reports whether the folder is unset.
func (f Folder) IsZero() bool {
	return f.Computer == "" && f.Path == ""
}

func (f Folder) String() string {
	return f.Computer + ":" + f.Path
}

// Calculation is a finished or running external-program invocation as
// recorded by the execution engine.
type Calculation struct {
	// ID uniquely identifies the calculation.
	ID string `json:"id"`

	// Program is the program identifier (e.g. "quantumespresso.ph").
	Program string `json:"program"`

	// Computer is the machine the calculation ran on.
	Computer string `json:"computer"`

	// Folder is the remote working directory of the calculation.
	Folder Folder `json:"folder"`

	// ExitStatus is zero for success.
	ExitStatus int `json:"exit_status"`

	// ExitMessage describes a non-zero exit status.
	ExitMessage string `json:"exit_message,omitempty"`

	// Inputs holds the recorded inputs (parameters, settings, meshes).
	Inputs map[string]any `json:"inputs,omitempty"`

	// Outputs holds the parsed outputs.
	Outputs map[string]any `json:"outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FinishedOK reports whether the calculation completed with exit status zero.
func (c *Calculation) FinishedOK() bool {
	return c.ExitStatus == 0
}

// Output returns an output value.
func (c *Calculation) Output(key string) (any, bool) {
	v, ok := c.Outputs[key]
	return v, ok
}

// OutputInt returns an integral output value. JSON numbers decoded as
// float64 are accepted when they carry no fractional part.
func (c *Calculation) OutputInt(key string) (int, bool) {
	v, ok := c.Outputs[key]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// OutputFloat returns a numeric output value.
func (c *Calculation) OutputFloat(key string) (float64, bool) {
	v, ok := c.Outputs[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Input returns an input value.
func (c *Calculation) Input(key string) (any, bool) {
	v, ok := c.Inputs[key]
	return v, ok
}

// Resolver finds the calculation that produced a folder.
type Resolver interface {
	// Producer returns the single calculation whose output folder is f.
	// It fails with ErrNoProducer or ErrMultipleProducers (wrapped in a
	// *LookupError) when the lookup is not unique.
	Producer(ctx context.Context, f Folder) (*Calculation, error)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
