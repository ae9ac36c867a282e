// Package remotekit is the client-side networking core of an interactive
// application that talks to a remote chat/completion API and to remote
// hosts over SSH, under unreliable network conditions. It bundles three
// cooperating clients:
//
//   - Client: a prioritized, cached, de-duplicated request executor with
//     retries, per-target circuit breakers and optional rate limiting
//   - StreamClient: a reconnecting Server-Sent-Events consumer with
//     heartbeat liveness detection and bounded-buffer backpressure
//   - SSHManager: a pooled SSH connection manager with command
//     execution, port tunnels and SFTP file transfer
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Safe concurrent use of single shared instances
//   - One terminal outcome per submitted operation, however many internal
//     retries or reconnects occurred
//   - Extensibility via user supplied middleware & pluggable cache / metrics
//
// Typical usage:
//
//	client := remotekit.New("https://api.example.com",
//	    remotekit.WithMaxRetries(3),
//	    remotekit.WithCache(5*time.Minute),
//	    remotekit.WithCircuitBreaker(remotekit.CircuitBreakerConfig{}),
//	    remotekit.WithTokenProvider(creds.Token),
//	)
//	resp, err := client.Submit(ctx, remotekit.Request{
//	    Method:   http.MethodGet,
//	    Path:     "/v1/models",
//	    Priority: remotekit.PriorityHigh,
//	})
//
// The library avoids opinionated logging: provide a Logger (e.g. via
// WithSimpleLogger or NewZapLogger) + enable debug flags selectively
// (WithDebug / WithDebugConfig) for insight without noise.
package remotekit
