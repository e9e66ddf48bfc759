// Package relay routes messages from broker streams to declaratively
// configured handlers.
//
// A JSON configuration names event busses and handler groups. Each bus
// listens on one stream and dispatches every message to the handlers
// registered for its event type, in configured order; a handler group serves
// exactly one event with one handler. Handlers are referenced symbolically
// as (module_name, name) designations and resolved at launch against a
// Registry populated by the embedding program, so configuration never causes
// code loading.
//
// Typical use:
//
//	reg := relay.NewRegistry()
//	handlers.Register(reg)
//	reg.RegisterHandler("billing", "invoice", invoiceFactory)
//
//	cfg, err := relay.Load("relay.json")
//	...
//	sup := relay.NewSupervisor(reg, relay.WithControlHandlers(handlers.Control()))
//	handle, err := sup.Launch(ctx, cfg)
//	...
//	err = handle.Wait(ctx)
//
// The supervisor also listens on a reserved control stream for coordination
// signals; a "close" event there shuts the task set down. See the broker
// package for the connection layer and broker/redis for the Redis Streams
// implementation.
package relay
