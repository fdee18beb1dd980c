// Package telemetry reads vehicle data from an ELM327 OBD-II adapter.
package telemetry

import (
	"fmt"
	"strconv"
)

// PID is one mode 01 OBD-II query.
type PID struct {
	Code  string // e.g. "010C"
	Name  string
	Unit  string
	Bytes int
	// Decode turns the data bytes following the response header into a value.
	Decode func(b []byte) float64
}

func twoBytes(b []byte) float64 { return float64(int(b[0])*256 + int(b[1])) }
func percent(b []byte) float64  { return float64(b[0]) * 100 / 255 }

// PIDs are queried in this order and rendered in this order.
var PIDs = []PID{
	{Code: "010C", Name: "rpm", Unit: "rpm", Bytes: 2, Decode: func(b []byte) float64 { return twoBytes(b) / 4 }},
	{Code: "010D", Name: "speed", Unit: "km/h", Bytes: 1, Decode: func(b []byte) float64 { return float64(b[0]) }},
	{Code: "011F", Name: "runtime", Unit: "s", Bytes: 2, Decode: twoBytes},
	{Code: "012F", Name: "fuel_level", Unit: "%", Bytes: 1, Decode: percent},
	{Code: "0111", Name: "throttle", Unit: "%", Bytes: 1, Decode: percent},
	{Code: "0121", Name: "distance_mil", Unit: "km", Bytes: 2, Decode: twoBytes},
	{Code: "0133", Name: "pressure", Unit: "kPa", Bytes: 1, Decode: func(b []byte) float64 { return float64(b[0]) }},
}

// Record is one polling round. PIDs the vehicle did not answer are absent.
type Record map[string]float64

// Lines renders the record for the video overlay. A nil record renders
// every value as N/A.
func (r Record) Lines() []string {
	lines := make([]string, 0, len(PIDs))
	for _, pid := range PIDs {
		v, ok := r[pid.Name]
		if !ok {
			lines = append(lines, fmt.Sprintf("%s: N/A", pid.Name))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s %s", pid.Name, strconv.FormatFloat(v, 'f', -1, 64), pid.Unit))
	}
	return lines
}

// Attrs flattens the record into key/value pairs for the data log.
func (r Record) Attrs() []any {
	args := make([]any, 0, 2*len(r))
	for _, pid := range PIDs {
		if v, ok := r[pid.Name]; ok {
			args = append(args, pid.Name, v)
		}
	}
	return args
}
