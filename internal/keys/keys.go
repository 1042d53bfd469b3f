/*
Copyright 2024 The Spotalis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package keys builds the opaque keys used in the shared state store and
// encodes/decodes the compact records stored under them.
package keys

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned by DecodeExecutorCount when the stored
// bytes do not parse as a counter pair. Callers treat this the same as a
// missing key (reset to zero) but log a warning, per the decode contract.
var ErrMalformedRecord = errors.New("keys: malformed executor count record")

// ErrInvalidRatio is returned by DecodeRatio for NaN, infinite, or
// unparseable values.
var ErrInvalidRatio = errors.New("keys: invalid ratio value")

const execCountPrefix = "exec-count:"

// ExecCountKey builds the key for a job's executor counter record.
func ExecCountKey(namespace, jobID string) string {
	return execCountPrefix + namespace + ":" + jobID
}

// ExecCountPrefix is the store prefix under which every executor
// counter record is kept, used to enumerate tracked jobs for reaping.
func ExecCountPrefix() string {
	return execCountPrefix
}

// ParseExecCountKey recovers (namespace, jobID) from a key built by
// ExecCountKey. Kubernetes namespace and label values cannot contain
// ":", so the first remaining segment is the namespace and everything
// after it is the job id.
func ParseExecCountKey(key string) (namespace, jobID string, ok bool) {
	rest := strings.TrimPrefix(key, execCountPrefix)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, counterDelimiter, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// RatioKey builds the key for a job's cached target spot ratio.
func RatioKey(namespace, jobID string) string {
	return fmt.Sprintf("job-ratio:%s:%s", namespace, jobID)
}

// ExecutorCount is the per-job (on_demand, spot) counter record.
type ExecutorCount struct {
	OnDemand int64
	Spot     int64
}

const counterDelimiter = ":"

// Encode renders the counter as the compact "<on_demand>:<spot>" form.
func (c ExecutorCount) Encode() []byte {
	return []byte(strconv.FormatInt(c.OnDemand, 10) + counterDelimiter + strconv.FormatInt(c.Spot, 10))
}

// DecodeExecutorCount parses a stored counter record. A nil/empty value
// decodes to the zero record with no error, matching "missing key ->
// (0, 0)". A non-empty value that fails to parse returns the zero record
// alongside ErrMalformedRecord so the caller can log and overwrite.
func DecodeExecutorCount(raw []byte) (ExecutorCount, error) {
	if len(raw) == 0 {
		return ExecutorCount{}, nil
	}

	parts := strings.SplitN(string(raw), counterDelimiter, 2)
	if len(parts) != 2 {
		return ExecutorCount{}, ErrMalformedRecord
	}

	od, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || od < 0 {
		return ExecutorCount{}, ErrMalformedRecord
	}

	spot, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || spot < 0 {
		return ExecutorCount{}, ErrMalformedRecord
	}

	return ExecutorCount{OnDemand: od, Spot: spot}, nil
}

// EncodeRatio renders a ratio as a fixed 3-decimal-place string, enough
// precision to round-trip any value in [0.000, 1.000].
func EncodeRatio(ratio float64) []byte {
	return []byte(strconv.FormatFloat(clampRatio(ratio), 'f', 3, 64))
}

// DecodeRatio parses a stored ratio string. NaN, +/-Inf, and unparseable
// values return ErrInvalidRatio; the caller is expected to fall back to
// the configured default in that case.
func DecodeRatio(raw []byte) (float64, error) {
	if len(raw) == 0 {
		return 0, ErrInvalidRatio
	}

	val, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, ErrInvalidRatio
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, ErrInvalidRatio
	}

	return clampRatio(val), nil
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}
