package namelist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Render returns the namelist block as text.
//
//	&block
//		key=value,
//	/
//
// An empty Params still yields the header and the terminator.
func Render(block string, params Params) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, block, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Write renders the namelist block to w.
func Write(w io.Writer, block string, params Params) error {
	lines := make([]string, 0, len(params)+2)
	lines = append(lines, "&"+block+"\n")
	for _, e := range params {
		v, err := formatValue(e.Key, e.Value)
		if err != nil {
			return err
		}
		lines = append(lines, "\t"+e.Key+"="+v+",\n")
	}
	lines = append(lines, "/\n")

	for _, line := range lines {
		if _, err := io.WriteString(w, line); err != nil {
			return fmt.Errorf("write namelist: %w", err)
		}
	}
	return nil
}

// WriteFile renders the namelist block to path, replacing any existing file.
func WriteFile(path, block string, params Params) error {
	text, err := Render(block, params)
	if err != nil {
		return err
	}
	// #nosec G306 -- input decks are read by the external binaries of the same user
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("write namelist file: %w", err)
	}
	return nil
}

func formatValue(key string, value any) (string, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return ".true.", nil
		}
		return ".false.", nil
	case string:
		return `"` + v + `"`, nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		return formatReal(float64(v)), nil
	case float64:
		return formatReal(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := v.Float64()
		if err != nil {
			return "", &ValueError{Key: key, Value: value}
		}
		return formatReal(f), nil
	default:
		return "", &ValueError{Key: key, Value: value}
	}
}

// formatReal prints the shortest representation of f. Scientific notation is
// used below 1e-4 and from 1e16 upward; integral values keep a trailing ".0"
// so that the consuming binaries read them as reals.
func formatReal(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	if f == 0 {
		return "0.0"
	}

	exp := decimalExponent(f)
	if exp < -4 || exp >= 16 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func decimalExponent(f float64) int {
	s := strconv.FormatFloat(f, 'e', -1, 64)
	idx := strings.LastIndexByte(s, 'e')
	exp, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0
	}
	return exp
}
