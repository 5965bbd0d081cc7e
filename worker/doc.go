/*
Package worker supervises the single child process that a bridge hands work to.

The worker is started once. Its stdin is written by Write, which serializes callers so that each line reaches the worker intact.
Its stdout is read by one goroutine that frames it into lines and hands them on in order. Its stderr is passed straight through.

There is no restart. When the worker exits, for any reason and with any status, Done is closed and Err reports an *ExitError.
Deciding what to do about that (normally, terminating the host) is left to the caller.
*/
package worker
