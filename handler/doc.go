/*
Package handler is the worker side of the bridge protocol.

A worker binary calls Handle with its Handler and leaves the rest to this package: requests are read from stdin,
each is run in its own goroutine, and responses are written to stdout with the id of the request they answer.

	func main() {
		handler.Handle(handler.HandlerFunc(func(ctx context.Context, event, eventContext json.RawMessage) (any, error) {
			return map[string]bool{"ok": true}, nil
		}))
	}

Nothing else may write to stdout. The bridge tolerates stray lines, but they are wasted work on both sides.
*/
package handler
