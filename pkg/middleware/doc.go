// Package middleware provides observability middleware for fisync servers.
//
// Both middlewares wrap server.HandlerFunc and see every request of an
// authenticated client after the handshake. Authentication messages and
// messages ignored from pending clients never reach them.
//
// # OpenTelemetry
//
//	srv.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("imaging-server"),
//	    middleware.WithMessageFilter(func(_ *server.Session, msg protocol.Message) bool {
//	        return msg.Type() != protocol.TypeModuleList
//	    }),
//	))
//
// # Prometheus
//
// Register on the server's registry so the collectors show up on the admin
// /metrics route:
//
//	srv.Use(middleware.Prometheus(
//	    middleware.WithRegistry(srv.Metrics().Registry()),
//	))
package middleware
