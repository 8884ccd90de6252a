/*
Package observability exports lattice runtime activity as Prometheus metrics.

Metrics.Hooks plugs into the runtime and the clock through domain.LifecycleHooks;
Metrics.Middleware instruments the HTTP admin API by route pattern.
*/
package observability
