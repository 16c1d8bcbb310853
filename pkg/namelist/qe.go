package namelist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Namelist is one named block of a Quantum ESPRESSO style deck.
type Namelist struct {
	Name   string
	Params Params
}

// QEOptions controls the text around the namelists of a QE deck.
type QEOptions struct {
	// Title is written as the first line when set (ph.x reads a title line).
	Title string

	// Trailer is appended verbatim after the last namelist (cards, q-point lists).
	Trailer string
}

// RenderQE renders namelists in the Quantum ESPRESSO input style. Entries of
// each namelist are sorted by key.
func RenderQE(lists []Namelist, opts QEOptions) (string, error) {
	var b strings.Builder
	if opts.Title != "" {
		b.WriteString(opts.Title)
		b.WriteString("\n")
	}

	for _, nl := range lists {
		b.WriteString("&" + nl.Name + "\n")

		entries := nl.Params.Clone()
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		for _, e := range entries {
			v, err := formatQE(e.Key, e.Value)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "  %s = %s\n", e.Key, v)
		}
		b.WriteString("/\n")
	}

	b.WriteString(opts.Trailer)
	return b.String(), nil
}

func formatQE(key string, value any) (string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return ".true.", nil
		}
		return ".false.", nil
	case string:
		return "'" + v + "'", nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return fortranReal(float64(v)), nil
	case float64:
		return fortranReal(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := v.Float64()
		if err != nil {
			return "", &ValueError{Key: key, Value: value}
		}
		return fortranReal(f), nil
	default:
		return "", &ValueError{Key: key, Value: value}
	}
}

// fortranReal formats f as a double-precision Fortran literal, e.g.
// "  1.0000000000d-15".
func fortranReal(f float64) string {
	return strings.Replace(fmt.Sprintf("%18.10e", f), "e", "d", 1)
}
