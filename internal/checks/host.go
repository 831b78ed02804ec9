package checks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-tick/caretaker/internal/job"
	"golang.org/x/sys/unix"
)

var ErrMalformedProcFile = errors.New("malformed proc file")

// DiskUsage fails when any mount is used above MaxPercent. Usage is computed
// the way df does: used / (used + available to unprivileged users).
type DiskUsage struct {
	Mounts     []string
	MaxPercent float64
}

func (c DiskUsage) Action() job.Action {
	return func(ctx context.Context) job.Result {
		var (
			lines  []string
			failed bool
		)
		for _, mount := range c.Mounts {
			if ctx.Err() != nil {
				return job.TransientFailure(ctx.Err().Error())
			}

			pct, err := diskPercent(mount)
			if err != nil {
				failed = true
				lines = append(lines, fmt.Sprintf("%s: %v", mount, err))
				continue
			}
			line := fmt.Sprintf("%s: %.1f%% used", mount, pct)
			if pct > c.MaxPercent {
				failed = true
				line += fmt.Sprintf(" (limit %.1f%%)", c.MaxPercent)
			}
			lines = append(lines, line)
		}
		return verdict(failed, lines)
	}
}

func diskPercent(mount string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mount, &st); err != nil {
		return 0, err
	}

	used := st.Blocks - st.Bfree
	total := used + st.Bavail
	if total == 0 {
		return 0, nil
	}
	return float64(used) / float64(total) * 100, nil
}

// MemoryUsage fails when used memory exceeds MaxPercent, where used is
// MemTotal - MemAvailable.
type MemoryUsage struct {
	MaxPercent float64
	// Path defaults to /proc/meminfo.
	Path string
}

func (c MemoryUsage) Action() job.Action {
	path := c.Path
	if path == "" {
		path = "/proc/meminfo"
	}

	return func(context.Context) job.Result {
		info, err := readMeminfo(path)
		if err != nil {
			return job.Failure(err.Error())
		}

		total, avail := info["MemTotal"], info["MemAvailable"]
		if total == 0 {
			return job.Failure(fmt.Sprintf("%s: %v: no MemTotal", path, ErrMalformedProcFile))
		}

		pct := float64(total-avail) / float64(total) * 100
		detail := fmt.Sprintf("memory %.1f%% used (%d MiB free of %d MiB)", pct, avail>>10, total>>10)
		if pct > c.MaxPercent {
			return job.Failure(fmt.Sprintf("%s, limit %.1f%%", detail, c.MaxPercent))
		}
		return job.Success(detail)
	}
}

// readMeminfo returns the kB values of /proc/meminfo keyed by field name.
func readMeminfo(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]uint64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrMalformedProcFile, key)
		}
		out[key] = v
	}
	return out, sc.Err()
}

// LoadAverage fails when the 5 minute load average per core exceeds
// MaxPerCore.
type LoadAverage struct {
	MaxPerCore float64
	// Path defaults to /proc/loadavg.
	Path string
	// Cores defaults to runtime.NumCPU.
	Cores int
}

func (c LoadAverage) Action() job.Action {
	path := c.Path
	if path == "" {
		path = "/proc/loadavg"
	}
	cores := c.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}

	return func(context.Context) job.Result {
		load, err := readLoadavg(path)
		if err != nil {
			return job.Failure(err.Error())
		}

		perCore := load[1] / float64(cores)
		detail := fmt.Sprintf("load %.2f, %.2f, %.2f on %d cores", load[0], load[1], load[2], cores)
		if perCore > c.MaxPerCore {
			return job.Failure(fmt.Sprintf("%s, %.2f per core above %.2f", detail, perCore, c.MaxPerCore))
		}
		return job.Success(detail)
	}
}

func readLoadavg(path string) ([3]float64, error) {
	var out [3]float64

	raw, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return out, fmt.Errorf("%s: %w", path, ErrMalformedProcFile)
	}
	for i := range out {
		if out[i], err = strconv.ParseFloat(fields[i], 64); err != nil {
			return out, fmt.Errorf("%s: %w: %v", path, ErrMalformedProcFile, err)
		}
	}
	return out, nil
}

func verdict(failed bool, lines []string) job.Result {
	detail := strings.Join(lines, "\n")
	if failed {
		return job.Failure(detail)
	}
	return job.Success(detail)
}
