// Package pipeline resolves image keys to decoded images through the memory
// tier, the content-addressed disk store and finally the network, in that
// order. Each Request returns a Handle the caller can cancel; completions are
// always redelivered through an injected Dispatcher so UI-style callers never
// synchronise on their own. Identical keys requested concurrently are not
// coalesced: every request owns its own fetch and its own cancellation.
package pipeline
