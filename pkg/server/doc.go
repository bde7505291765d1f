// Package server implements the fisync server.
//
// A Server accepts FI clients over TCP (Serve) or WebSocket (the /ws route
// of AdminHandler). Every connection starts as a pending session in the
// Registry and receives an INFO_REQUIRED challenge carrying its client ID.
// Until the client answers with the shared password, anything other than
// an Authentication message is dropped without a reply.
//
// Authenticated messages are routed by MessageType:
//
//	ModuleList  the registered modules
//	Module      module.Module.HandleRequest (subscribe, interactions, ...)
//	Data        one slice of a dataset from the catalog
//
// Message handling can be wrapped with Middleware; see package middleware
// for Prometheus and OpenTelemetry implementations.
//
// # Observability
//
// Each Server owns a Prometheus registry (Metrics().Registry()) served on
// /metrics by the admin handler. Data requests are traced with spans from the
// global OpenTelemetry tracer provider unless WithTracer is given.
//
// # Shutdown
//
// Shutdown closes the listeners, disconnects every client, stops the admin
// server and closes the modules.
package server
