package stepifi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ConvertRequest describes one engine invocation.
type ConvertRequest struct {
	InputPath  string  // Absolute path of the mesh to convert
	OutputPath string  // Absolute path where the STEP file must be written
	Tolerance  float64 // Mesh-to-shape tolerance
	Repair     bool    // Run mesh repair before conversion
}

// ConvertResult is the parsed outcome of a successful engine run.
type ConvertResult struct {
	OutputPath string
	Stats      *ConversionStats
}

// Converter invokes the conversion engine. The engine is an opaque external
// process; this interface is the only point where the core depends on it.
// Convert blocks until the engine exits, the timeout elapses, or ctx is
// cancelled. Cancellation kills the subprocess and returns ctx.Err().
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error)
}

// FreeCADEngine runs a headless FreeCAD conversion script as a subprocess.
//
// Invocation: <command> <script> <input> <output> --tolerance=<g> --repair|--no-repair
// with environment overrides pinning non-interactive operation. The engine
// writes zero or more diagnostic lines to stdout followed by exactly one JSON
// result object on the last non-empty line; see parseEngineOutput for the
// parsing policy.
type FreeCADEngine struct {
	command string
	script  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFreeCADEngine creates a converter invoking command (e.g. freecadcmd) with
// the given conversion script. timeout is the wall-clock bound per invocation.
func NewFreeCADEngine(command, script string, timeout time.Duration, logger *slog.Logger) *FreeCADEngine {
	return &FreeCADEngine{command: command, script: script, timeout: timeout, logger: logger}
}

// Healthy reports whether the engine binary is resolvable.
func (e *FreeCADEngine) Healthy() error {
	_, err := exec.LookPath(e.command)
	return err
}

// Convert runs one conversion, blocking until the subprocess exits or the
// wall-clock timeout kills it.
func (e *FreeCADEngine) Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := make([]string, 0, 5)
	if e.script != "" {
		args = append(args, e.script)
	}
	args = append(args,
		req.InputPath,
		req.OutputPath,
		fmt.Sprintf("--tolerance=%g", req.Tolerance),
	)
	if req.Repair {
		args = append(args, "--repair")
	} else {
		args = append(args, "--no-repair")
	}

	cmd := exec.CommandContext(runCtx, e.command, args...)
	// Pin headless operation: no Qt platform plugin, no X display.
	cmd.Env = append(os.Environ(),
		"QT_QPA_PLATFORM=offscreen",
		"DISPLAY=",
		"FREECAD_USER_HOME=/tmp",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// After a kill, stop waiting for descendants that still hold the
	// output pipes open.
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	e.logger.Debug("engine starting", "input", req.InputPath, "tolerance", req.Tolerance, "repair", req.Repair)
	runErr := cmd.Run()
	e.logger.Debug("engine exited", "duration", time.Since(start), "error", runErr)

	// Caller cancellation and timeout take precedence over whatever exit
	// status the killed process reports.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{After: e.timeout}
	}

	return parseEngineOutput(runErr, stdout.Bytes(), stderr.Bytes())
}

// engineResult is the JSON object the engine prints as its last non-empty
// stdout line. Success is a pointer so a result object missing the field is
// rejected rather than defaulting to failure.
type engineResult struct {
	Success    *bool  `json:"success"`
	Stage      string `json:"stage"`
	Error      string `json:"error"`
	Solid      bool   `json:"solid"`
	OutputSize int64  `json:"output_size"`
	MeshStats  *struct {
		Points  int  `json:"points"`
		Facets  int  `json:"facets"`
		Edges   int  `json:"edges"`
		IsSolid bool `json:"isSolid"`
	} `json:"mesh_stats"`
	Output string `json:"output"`
}

// parseEngineOutput applies the result-protocol policy:
//   - spawn failures surface as SubprocessError
//   - nonzero exit is failure with stderr verbatim; the result line is not consulted
//   - on exit 0 the last non-empty stdout line must parse as a JSON object with
//     a success field; anything else is a ParseError carrying both streams
//   - success=false on exit 0 is an EngineError like any other engine failure
func parseEngineOutput(runErr error, stdout, stderr []byte) (*ConvertResult, error) {
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, &SubprocessError{Err: runErr}
		}
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = runErr.Error()
		}
		return nil, &EngineError{Message: msg}
	}

	line := lastNonEmptyLine(stdout)
	if line == "" {
		return nil, &ParseError{
			Reason: "no result line on stdout",
			Stdout: string(stdout),
			Stderr: string(stderr),
		}
	}

	var res engineResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return nil, &ParseError{
			Reason: fmt.Sprintf("result line is not valid JSON: %v", err),
			Stdout: string(stdout),
			Stderr: string(stderr),
		}
	}
	if res.Success == nil {
		return nil, &ParseError{
			Reason: "result object has no success field",
			Stdout: string(stdout),
			Stderr: string(stderr),
		}
	}
	if !*res.Success {
		msg := res.Error
		if msg == "" {
			msg = "engine reported failure without detail"
		}
		return nil, &EngineError{Stage: res.Stage, Message: msg}
	}

	stats := &ConversionStats{
		Solid:      res.Solid,
		OutputSize: res.OutputSize,
	}
	if res.MeshStats != nil {
		stats.Points = res.MeshStats.Points
		stats.Facets = res.MeshStats.Facets
		stats.Edges = res.MeshStats.Edges
	}
	return &ConvertResult{OutputPath: res.Output, Stats: stats}, nil
}

// lastNonEmptyLine returns the last line of out that contains non-whitespace.
// The engine may emit any number of diagnostic lines before the result; the
// result is never assumed to be the first line.
func lastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
