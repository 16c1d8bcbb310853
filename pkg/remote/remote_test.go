package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/remote/remotetest"
)

func TestFolder(t *testing.T) {
	f := remote.Folder{Computer: "cluster", Path: "/scratch/ab/cd"}
	assert.Equal(t, "/scratch/ab/cd", f.RemotePath())
	assert.Equal(t, "/scratch/ab/cd/out/_ph0", f.Join("out", "_ph0"))
	assert.Equal(t, "cluster:/scratch/ab/cd", f.String())
	assert.False(t, f.IsZero())
	assert.True(t, remote.Folder{}.IsZero())
}

func TestCalculationOutputs(t *testing.T) {
	c := &remote.Calculation{Outputs: map[string]any{
		"number_of_qpoints": 4,
		"number_wfs":        float64(8),
		"fractional":        1.5,
		"fermi_energy":      json.Number("6.25"),
		"label":             "x",
	}}

	n, ok := c.OutputInt("number_of_qpoints")
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	n, ok = c.OutputInt("number_wfs")
	assert.True(t, ok)
	assert.Equal(t, 8, n)

	_, ok = c.OutputInt("fractional")
	assert.False(t, ok)

	_, ok = c.OutputInt("label")
	assert.False(t, ok)

	f, ok := c.OutputFloat("fermi_energy")
	assert.True(t, ok)
	assert.Equal(t, 6.25, f)

	_, ok = c.OutputFloat("missing")
	assert.False(t, ok)
}

func TestResolverLookup(t *testing.T) {
	ctx := context.Background()
	f := remote.Folder{Computer: "localhost", Path: "/tmp/a"}
	ph := &remote.Calculation{ID: "1", Program: "quantumespresso.ph", Folder: f}

	r := remotetest.NewResolver(ph)
	got, err := r.Producer(ctx, f)
	require.NoError(t, err)
	assert.Same(t, ph, got)

	_, err = r.Producer(ctx, remote.Folder{Computer: "localhost", Path: "/tmp/none"})
	assert.True(t, remote.IsNoProducer(err))
	var lookupErr *remote.LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, 0, lookupErr.Count)

	r.Add(&remote.Calculation{ID: "2", Program: "mobility.ph_recover", Folder: f})
	_, err = r.Producer(ctx, f)
	assert.True(t, remote.IsMultipleProducers(err))
	assert.Contains(t, err.Error(), "2 found")
	assert.Equal(t, 3, r.Calls())
}

func TestLookupFailed(t *testing.T) {
	f := remote.Folder{Path: "/x"}
	assert.NoError(t, remote.LookupFailed(f, 1))
	assert.ErrorIs(t, remote.LookupFailed(f, 0), remote.ErrNoProducer)
	assert.ErrorIs(t, remote.LookupFailed(f, 3), remote.ErrMultipleProducers)
}
