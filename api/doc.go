/*
Package api holds the HTTP surface of the ceremony coordinator.

The subpackages split it the usual way:

  - ceremonyhandler: request handling for every ceremony operation, and the
    typed client used by contributors and the admin tool
  - servers: server lifecycle, health probes, draining and metrics

Request and response bodies shared by handler and client live in this
package. Every ceremony route requires a bearer token identifying the
caller, except the read-only ceremony, circuit and verification routes.
*/
package api
