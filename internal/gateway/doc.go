// Package gateway serves the control plane of coven-whatsapp.
//
// # HTTP API
//
//	POST   /session/connect/{tenant}      start or reuse a session
//	GET    /session/qr/{tenant}           pending auth challenge (QR payload)
//	GET    /session/status/{tenant}       {status, lastActivity, qr}
//	GET    /session                       every session the manager holds
//	PUT    /session/credentials/{tenant}  import a credential record
//	DELETE /session/logout/{tenant}       delete session and credentials
//	POST   /send-message/{tenant}         {"number", "text"}
//	GET    /health, /health/ready         liveness, credential store reachable
//
// When auth.jwt_secret is set every /session and /send-message route needs
// a bearer token; tenant-scoped tokens only reach their own tenants.
//
// # gRPC
//
// With server.grpc_addr set (or tailscale enabled) a gRPC server exposes the
// standard health service. The empty service name reports the process;
// "tenant/<id>" reports SERVING while that tenant's session is open.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on server addresses: gRPC on :50051, HTTP on :80,
// or HTTPS on :443 when https or funnel is set.
package gateway
