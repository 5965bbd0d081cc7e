/*
Package protocol defines the newline-delimited JSON messages exchanged between the bridge and its worker process.

The bridge writes one request per line to the worker's stdin:

	{"id":"42","event":<any>,"context":<any>}

The worker writes one response per line to its stdout, echoing the id of the request it answers:

	{"id":"42","error":null,"value":<any>}

Responses may be written in any order. Anything else the worker writes to stdout is classified by DecodeResponse:
lines that are not JSON wrap ErrMalformed, and JSON without a string "id" wraps ErrForeign.
Both kinds are expected to be dropped by the reader.
*/
package protocol
