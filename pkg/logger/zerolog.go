package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	permission = 0664
)

// ZerologHandler adapts a zerolog.Logger to Logger.
// Args are interpreted as alternating keys and values, like slog.
type ZerologHandler struct {
	logger zerolog.Logger
}

func NewZerolog(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

func (z *ZerologHandler) Error(msg string, args ...any) {
	withFields(z.logger.Error(), args).Msg(msg)
}

func (z *ZerologHandler) Warn(msg string, args ...any) {
	withFields(z.logger.Warn(), args).Msg(msg)
}

func (z *ZerologHandler) Info(msg string, args ...any) {
	withFields(z.logger.Info(), args).Msg(msg)
}

func (z *ZerologHandler) Debug(msg string, args ...any) {
	withFields(z.logger.Debug(), args).Msg(msg)
}

func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			e = e.Str("!BADKEY", key)
			break
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

// Builder assembles a zerolog-backed Logger writing to a file,
// a buffer, or stdout.
type Builder struct {
	writer io.Writer
	path   string
	level  zerolog.Level
	pretty bool
}

// Output is the result of Builder.Make. File is non-nil when the
// builder was given a path and must be closed by the caller.
type Output struct {
	File   *os.File
	Logger *ZerologHandler
}

func NewBuilder() *Builder {
	return &Builder{level: zerolog.InfoLevel}
}

func (build *Builder) FromPath(path string) *Builder {
	build.path = path
	return build
}

func (build *Builder) FromBuffer(w io.Writer) *Builder {
	build.writer = w
	return build
}

func (build *Builder) Level(level string) *Builder {
	if l, err := zerolog.ParseLevel(level); err == nil && level != "" {
		build.level = l
	}
	return build
}

// Pretty switches to zerolog's human readable console writer.
func (build *Builder) Pretty(pretty bool) *Builder {
	build.pretty = pretty
	return build
}

func (build *Builder) Make() (out *Output, err error) {
	out = new(Output)
	var w io.Writer = os.Stderr
	if build.writer != nil {
		w = build.writer
	}
	if build.path != "" {
		out.File, err = os.OpenFile(build.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		w = zerolog.SyncWriter(out.File)
	}
	if build.pretty {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	out.Logger = NewZerolog(zerolog.New(w).Level(build.level).With().Timestamp().Logger())
	return out, nil
}
