// Package logging builds the zap loggers used by the command line and the
// engine.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging. Use these instead of raw
// strings so log queries keep working.
const (
	FieldRunID         = "run_id"
	FieldArtifactID    = "artifact_id"
	FieldScenario      = "scenario"
	FieldStrategy      = "strategy"
	FieldMember        = "member"
	FieldIteration     = "iteration"
	FieldIterations    = "iterations"
	FieldSeed          = "seed"
	FieldIterationSeed = "iteration_seed"
	FieldVerdict       = "verdict"
	FieldSteps         = "steps"
	FieldOperations    = "operations"
	FieldDecisions     = "decisions"
	FieldDurationMS    = "duration_ms"
	FieldFile          = "file"
	FieldStore         = "store"
	FieldError         = "error"
)

// Verbosity levels for the repeated -v flag.
const (
	VerbosityQuiet = 0 // warnings and errors
	VerbosityInfo  = 1 // -v: one line per run and per bug
	VerbosityDebug = 2 // -vv: every iteration and scheduler halts
)

// VerbosityToLevel maps a -v count to a zap level.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityQuiet:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Options selects the logger's format and level.
type Options struct {
	// JSON switches from console to JSON lines.
	JSON      bool
	Verbosity int
	// Output defaults to stderr so stdout stays free for reports.
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) *zap.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var enc zapcore.Encoder
	if opts.JSON {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncodeCaller = nil
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), VerbosityToLevel(opts.Verbosity))
	return zap.New(core)
}
