package auth

import (
	"context"

	"basilisk-escrow/internal/escrow"
)

// actorKey 是上下文中存储调用方地址的键类型。
type actorKey struct{}

// WithActor 将经过身份验证的调用方地址存储到上下文中。
func WithActor(ctx context.Context, actor escrow.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext 从上下文中提取经过身份验证的调用方地址。
func ActorFromContext(ctx context.Context) (escrow.Actor, bool) {
	if ctx == nil {
		return escrow.Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(escrow.Actor)
	return actor, ok
}
