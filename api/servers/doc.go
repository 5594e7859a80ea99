/*
Package servers runs the coordinator HTTP server.

A Server mounts one or more route sets on a chi router behind the request
logger, and adds the health endpoints used by load balancers:

  - /livez always answers alive
  - /readyz answers 503 while draining
  - /drain and /undrain toggle readiness

Prometheus metrics are served on a separate listener, and pprof is mounted
under /debug when enabled.

	srv, err := servers.New(cfg, handler)
	if err != nil {
	    return err
	}
	srv.RunInBackground()
	defer srv.Shutdown(ctx)
*/
package servers
