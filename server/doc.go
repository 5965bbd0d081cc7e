/*
Package server is a small HTTP front-end for a bridge.

Routes:

	POST /invoke      {"event":..,"context":..} -> {"id":..,"error":..,"value":..}
	GET  /invoke/ws   WebSocket; many invocations per connection, answered as they complete
	GET  /health      bridge id, worker pid, pending calls, and worker memory/CPU

POST /invoke gives up after the invoke timeout with a 504, but the bridge keeps the call pending until the worker answers.
A bridge that can no longer submit (its worker is gone) yields a 503.
*/
package server
