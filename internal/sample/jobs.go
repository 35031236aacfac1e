// Package sample registers demonstration jobs. Importing it (for its side
// effects) makes the jobs available to the CLI and to every job process
// re-executed from the same binary.
package sample

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ChuLiYu/trolley/internal/worker"
)

// Defaults used when the shared context leaves a parameter out.
const (
	DefaultRounds    = 1_000_000
	DefaultOutputDir = "test_case"
	DefaultSleepMs   = 100
)

var (
	// SHA256 hashes the decimal job index rounds times, feeding the hex
	// digest back in each round, and writes the final digest to
	// <output_dir>/<index %5d>.txt.
	SHA256 = worker.Register("sha256", sha256Job)

	// Sleep sleeps for sleep_ms milliseconds.
	Sleep = worker.Register("sleep", sleepJob)

	// FailOdd returns an error for odd job indices.
	FailOdd = worker.Register("fail-odd", failOddJob)
)

func sha256Job(index int, shared worker.Context) error {
	rounds := intParam(shared, "rounds", DefaultRounds)
	dir := stringParam(shared, "output_dir", DefaultOutputDir)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	digest := Digest(strconv.Itoa(index), rounds)

	path := filepath.Join(dir, OutputName(index))
	if err := os.WriteFile(path, []byte(digest), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// Digest applies SHA-256 to s rounds times, hashing the hex encoding of the
// previous digest each time.
func Digest(s string, rounds int) string {
	for i := 0; i < rounds; i++ {
		sum := sha256.Sum256([]byte(s))
		s = hex.EncodeToString(sum[:])
	}
	return s
}

// OutputName is the file name the sha256 job writes for index.
func OutputName(index int) string {
	return fmt.Sprintf("%5d.txt", index)
}

func sleepJob(_ int, shared worker.Context) error {
	ms := intParam(shared, "sleep_ms", DefaultSleepMs)
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

func failOddJob(index int, _ worker.Context) error {
	if index%2 == 1 {
		return fmt.Errorf("job %d: odd index", index)
	}
	return nil
}

// intParam reads a numeric parameter. JSON numbers decode as float64 in job
// processes; in-process callers may pass ints.
func intParam(shared worker.Context, key string, def int) int {
	switch v := shared[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}

func stringParam(shared worker.Context, key, def string) string {
	if v, ok := shared[key].(string); ok && v != "" {
		return v
	}
	return def
}
