package procexec

import "context"

type foregroundKey struct{}

// MarkForeground returns a context that designates the foreground loop.
// Runner.Start and Runner.Run refuse to spawn from such a context: the
// foreground must never wait on a subprocess.
func MarkForeground(ctx context.Context) context.Context {
	return context.WithValue(ctx, foregroundKey{}, true)
}

// IsForeground reports whether ctx was marked with MarkForeground.
func IsForeground(ctx context.Context) bool {
	v, _ := ctx.Value(foregroundKey{}).(bool)
	return v
}

// Background strips the foreground marker, for work handed off to a
// background goroutine.
func Background(ctx context.Context) context.Context {
	if !IsForeground(ctx) {
		return ctx
	}
	return context.WithValue(ctx, foregroundKey{}, false)
}
