package ceph

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pool type codes reported by `ceph osd dump`
const (
	poolTypeReplicated = 1
	poolTypeErasure    = 3
)

// osdDFResponse is the subset of `ceph osd df -f json` the optimizer reads
type osdDFResponse struct {
	Nodes []struct {
		ID          int     `json:"id"`
		Name        string  `json:"name"`
		KB          int64   `json:"kb"`
		CrushWeight float64 `json:"crush_weight"`
	} `json:"nodes"`
}

// osdDumpResponse is the subset of `ceph osd dump -f json` the optimizer reads
type osdDumpResponse struct {
	Pools []struct {
		Pool               int    `json:"pool"`
		PoolName           string `json:"pool_name"`
		Type               int    `json:"type"`
		ErasureCodeProfile string `json:"erasure_code_profile"`
	} `json:"pools"`
	ErasureCodeProfiles map[string]map[string]string `json:"erasure_code_profiles"`
}

// pgStat is one entry of `ceph pg dump pgs -f json`
type pgStat struct {
	PGID    string `json:"pgid"`
	State   string `json:"state"`
	StatSum struct {
		NumBytes int64 `json:"num_bytes"`
	} `json:"stat_sum"`
	Up     []int `json:"up"`
	Acting []int `json:"acting"`
}

// statusResponse is the subset of `ceph status -f json` the optimizer reads
type statusResponse struct {
	PGMap struct {
		PGsByState []struct {
			StateName string `json:"state_name"`
			Count     int    `json:"count"`
		} `json:"pgs_by_state"`
	} `json:"pgmap"`
}

// errMalformed marks output that could not be understood. Retrying does not help.
type errMalformed struct {
	cause error
}

func (e *errMalformed) Error() string { return "malformed control plane output: " + e.cause.Error() }
func (e *errMalformed) Unwrap() error { return e.cause }

func malformed(err error, msg string) error {
	return &errMalformed{cause: errors.Wrap(err, msg)}
}

// decodePGStats accepts both the `{"pg_stats": [...]}` layout and the older bare array
func decodePGStats(out []byte) ([]pgStat, error) {
	trimmed := strings.TrimSpace(string(out))
	if strings.HasPrefix(trimmed, "[") {
		var stats []pgStat
		if err := json.Unmarshal([]byte(trimmed), &stats); err != nil {
			return nil, malformed(err, "decoding pg dump")
		}
		return stats, nil
	}

	var wrapped struct {
		PGStats []pgStat `json:"pg_stats"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
		return nil, malformed(err, "decoding pg dump")
	}
	return wrapped.PGStats, nil
}

// erasureDataChunks reads k from an erasure code profile
func erasureDataChunks(profile map[string]string) (int, error) {
	raw, ok := profile["k"]
	if !ok {
		return 0, errors.New("erasure code profile has no k")
	}
	k, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing erasure code k %q", raw)
	}
	if k < 1 {
		return 0, errors.Errorf("erasure code k must be positive, got %d", k)
	}
	return k, nil
}
