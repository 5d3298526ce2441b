// Package sampler is the Resource Sampler: it spawns the external
// instruction-count profiler against a set of local PIDs and converts
// retired instruction counts into MIPS.
package sampler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rmed/scout"
)

// DefaultWindow is the sampling window used when the caller does not
// override it (spec.md §4.5).
const DefaultWindow = 10 * time.Second

// graceMargin bounds how much longer than the sampling window the
// profiler subprocess is given before it is killed.
const graceMargin = 5 * time.Second

// instructionsPattern tolerates both comma- and dot-grouped instruction
// counts in the profiler's text output, e.g. "1,234,567 instructions"
// or "1.234.567 instructions".
var instructionsPattern = regexp.MustCompile(`([0-9][0-9,.]*)\s*instructions`)

// PIDLookup resolves an agent name to its live PID, returning ok=false
// when the agent has no PID file or is not running.
type PIDLookup func(agent string) (pid int, ok bool)

// Sampler runs the external profiler against local agent PIDs.
type Sampler struct {
	ProfilerPath string
	Window       time.Duration
	PIDOf        PIDLookup
}

// New constructs a Sampler. window of zero selects DefaultWindow.
func New(profilerPath string, window time.Duration, pidOf PIDLookup) *Sampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sampler{ProfilerPath: profilerPath, Window: window, PIDOf: pidOf}
}

// Sample profiles every named agent and returns a map keyed
// "agent-<name>" to its measured MIPS. A missing PID file or an
// unparseable profiler output is logged and the agent is skipped; the
// call as a whole never fails (spec.md §4.5, §7 profiler errors are
// scoped to the affected agent).
func (s *Sampler) Sample(ctx context.Context, agents []string) map[string]float64 {
	out := make(map[string]float64, len(agents))
	for _, agent := range agents {
		pid, ok := s.PIDOf(agent)
		if !ok {
			slog.Warn("sampler: no live PID, skipping", "agent", agent)
			continue
		}

		mips, err := s.sampleOne(ctx, pid)
		if err != nil {
			slog.Warn("sampler: sample failed, skipping", "agent", agent, "pid", pid, "error", err)
			continue
		}
		out["agent-"+agent] = mips
	}
	return out
}

func (s *Sampler) sampleOne(ctx context.Context, pid int) (float64, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.Window+graceMargin)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.ProfilerPath,
		"-p", strconv.Itoa(pid),
		"-w", strconv.Itoa(int(s.Window.Seconds())))

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: %v", scout.ErrProfilerLaunchFailed, err)
	}

	instructions, err := parseInstructions(buf.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", scout.ErrProfilerUnparseable, err)
	}

	mips := float64(instructions) / s.Window.Seconds() / 1e6
	return mips, nil
}

// parseInstructions extracts a retired-instruction count from the
// profiler's free-form text output, tolerating both comma and dot group
// separators.
func parseInstructions(text string) (int64, error) {
	m := instructionsPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("sampler: no instruction count found in output")
	}
	stripped := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	return strconv.ParseInt(stripped, 10, 64)
}

// Serialize renders a MIPS sample as the canonical decimal string a
// "agents-gathered" bus envelope carries (spec.md §4.5: "a map
// {agent-<name>: serialized(mips)}"). shopspring/decimal avoids the
// float-formatting drift plain strconv.FormatFloat would introduce
// across a round trip through the bus.
func Serialize(mips float64) string {
	return decimal.NewFromFloat(mips).StringFixed(6)
}

// Deserialize parses a MIPS sample produced by Serialize.
func Deserialize(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// PIDFromFile builds a PIDLookup backed by PID files in varDir, the same
// convention the Transport Adapter uses (pidFilePath).
func PIDFromFile(varDir string) PIDLookup {
	return func(agent string) (int, bool) {
		data, err := os.ReadFile(varDir + "/" + agent + ".pid")
		if err != nil {
			return 0, false
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, false
		}
		return pid, true
	}
}
