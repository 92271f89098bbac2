/*
Package server provides the relay's HTTP server and its middleware.

# Middleware Chain

Every request passes through, in order:
 1. RequestIDMiddleware, which tags the request and echoes X-Request-ID
 2. LoggingMiddleware, which logs request start and completion
 3. middleware.Recoverer from chi
 4. OpenTelemetry instrumentation (otelhttp)

Route groups add:
  - IdentityMiddleware, resolving the caller from a bearer API key
  - TimeoutMiddleware, on routes that are not streamed

# Request-scoped Log Fields

Handlers enrich the completion log line with AddLogField and AddError.
The streaming chat route uses these for the relay path, outcome, frame count
and token estimates, so a single line describes each relayed request.

# Errors

WriteAPIError and WriteError encode failures as {"error": {...}} bodies with
the status carried by the error. Errors of unknown type become a generic 500.
*/
package server
