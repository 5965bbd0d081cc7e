/*
Package bridge lets a host process hand events to a long-lived worker process and get results back,
using only the worker's stdin and stdout.

Each Submit is assigned a fresh id, registered as pending, and written to the worker as a single JSON line.
The worker answers with a line carrying the same id, in whatever order it likes, and that response completes the matching Call.
Many calls may be outstanding at once.

Output from the worker that is not a response (invalid JSON, or JSON without a string id) is discarded,
as are responses whose id is not pending. Set DEBUG_SHIM in the environment to log those discards.

The worker exiting is fatal: Done is closed, Err describes the exit, and pending calls are abandoned.
The bridge does not restart the worker; the host is expected to terminate.
There are no timeouts or cancellation inside the bridge. Use Call.Wait with a context to bound how long a caller waits.
*/
package bridge
