// Package server hosts the Fiber HTTP service and its middleware chain: panic
// recovery, request IDs, and access logging. The image endpoint is served by an
// injected ImageHandler so tests can swap in fakes; diagnostics under /-/ are
// registered separately by the routes package. Keep exports narrow and accept
// explicit dependencies.
package server
