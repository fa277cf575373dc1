package rpc

import (
	"context"

	"github.com/petervdpas/multichat/internal/invoke"
)

// Strategy names double as fallback keys: the query proxy appears at both
// ends of the ladder, so a query-proxy failure at step 1 suppresses the
// last-resort retry at step 5 and a full failure makes exactly four
// attempts.
const (
	stepQueryProxy  = "query-proxy"
	stepCallContext = "call-context"
	stepImplicitCtx = "implicit-context"
	stepPlainProxy  = "plain-proxy"
)

// Ladder builds the ordered fallback strategies for one method invocation:
//
//  1. proxy addressed with the identity as a query parameter,
//  2. plain proxy with an explicit per-call context map,
//  3. implicit connection-wide context,
//  4. plain proxy with no context at all,
//  5. the query-parameter proxy again, as absolute last resort.
//
// Obtaining a proxy and invoking through it fail as one step; every failure
// degrades to the next rung.
func Ladder(prov Provider, identity, method string, params, result any) []invoke.Strategy {
	userCtx := map[string]string{"user": identity}

	return []invoke.Strategy{
		{Name: stepQueryProxy, Call: func(ctx context.Context) error {
			p, err := prov.QueryProxy()
			if err != nil {
				return err
			}
			return p.Invoke(ctx, method, params, result)
		}},
		{Name: stepCallContext, Call: func(ctx context.Context) error {
			p, err := prov.PlainProxy()
			if err != nil {
				return err
			}
			p, err = prov.WithCallContext(p, userCtx)
			if err != nil {
				return err
			}
			return p.Invoke(ctx, method, params, result)
		}},
		{Name: stepImplicitCtx, Call: func(ctx context.Context) error {
			if err := prov.SetImplicitContext(userCtx); err != nil {
				return err
			}
			p, err := prov.PlainProxy()
			if err != nil {
				return err
			}
			return p.Invoke(ctx, method, params, result)
		}},
		{Name: stepPlainProxy, Call: func(ctx context.Context) error {
			p, err := prov.PlainProxy()
			if err != nil {
				return err
			}
			return p.Invoke(ctx, method, params, result)
		}},
		{Name: stepQueryProxy, Call: func(ctx context.Context) error {
			p, err := prov.QueryProxy()
			if err != nil {
				return err
			}
			return p.Invoke(ctx, method, params, result)
		}},
	}
}

// Do runs one method through the full fallback ladder.
func Do(ctx context.Context, prov Provider, identity, method string, params, result any) error {
	return invoke.Run(ctx, method, Ladder(prov, identity, method, params, result))
}
