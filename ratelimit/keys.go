package ratelimit

import "github.com/adred-codev/wsrouter/wsrouter"

// KeyFunc derives the bucket key for one inbound message.
type KeyFunc func(ctx *wsrouter.Context) string

// anonKey keeps unauthenticated traffic in one shared bucket rather than
// letting it bypass limits.
const anonKey = "anon"

// KeyPerUser buckets all of a client's traffic together.
func KeyPerUser(ctx *wsrouter.Context) string {
	if id := ctx.ClientID(); id != "" {
		return id
	}
	return anonKey
}

// KeyPerUserPerType gives each message type its own bucket per client, so a
// burst of one type cannot starve the others.
func KeyPerUserPerType(ctx *wsrouter.Context) string {
	return KeyPerUser(ctx) + ":" + ctx.Type()
}

// KeyPerUserOrIPPerType prefers the clientId and falls back to the remote
// IP, then to the shared anonymous bucket.
func KeyPerUserOrIPPerType(ctx *wsrouter.Context) string {
	if id := ctx.ClientID(); id != "" {
		return id + ":" + ctx.Type()
	}
	if ip := ctx.RemoteIP(); ip != "" {
		return "ip:" + ip + ":" + ctx.Type()
	}
	return anonKey + ":" + ctx.Type()
}
