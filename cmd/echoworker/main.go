// Command echoworker is an example worker that answers every event with the event and context it received.
// An event of "fail" is answered with an error.
package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/guseggert/stdiobridge/handler"
)

func main() {
	handler.Handle(handler.HandlerFunc(func(ctx context.Context, event, eventContext json.RawMessage) (any, error) {
		if string(event) == `"fail"` {
			return nil, errors.New("requested failure")
		}
		return map[string]json.RawMessage{
			"event":   event,
			"context": eventContext,
		}, nil
	}))
}
