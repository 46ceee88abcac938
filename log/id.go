package log

import (
	"context"
	"math/rand"

	"github.com/sagernet/sing/common/random"
)

func init() {
	random.InitializeSeed()
}

type idKey struct{}

// ContextWithNewID tags ctx with a fresh connection ID so every log line of
// one session can be correlated.
func ContextWithNewID(ctx context.Context) context.Context {
	return context.WithValue(ctx, (*idKey)(nil), rand.Uint32())
}

func IDFromContext(ctx context.Context) (uint32, bool) {
	if ctx == nil {
		return 0, false
	}
	id, loaded := ctx.Value((*idKey)(nil)).(uint32)
	return id, loaded
}
