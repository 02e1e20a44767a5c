package audit

import "context"

type actorKey struct{}

type actor struct {
	typ string
	id  string
}

// WithActor attributes audit entries written under ctx to the given actor.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{typ: actorType, id: actorID})
}

// ActorFrom returns the actor on ctx, defaulting to the system actor.
func ActorFrom(ctx context.Context) (actorType, actorID string) {
	if a, ok := ctx.Value(actorKey{}).(actor); ok {
		return a.typ, a.id
	}
	return ActorSystem, ""
}
