package simprep

import (
	"context"
	"log/slog"

	"github.com/ensimu-ai/simprep/script"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	ThreadContextKey   ContextKey = "thread"
	CompilerContextKey ContextKey = "compiler"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithThread(ctx context.Context, thread *Thread) context.Context {
	return context.WithValue(ctx, ThreadContextKey, thread)
}

func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, CompilerContextKey, compiler)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetThreadFromContext(ctx context.Context) (*Thread, bool) {
	thread, ok := ctx.Value(ThreadContextKey).(*Thread)
	return thread, ok
}

func GetCompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(CompilerContextKey).(script.Compiler)
	return compiler, ok
}
