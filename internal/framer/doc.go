/*
Package framer recovers discrete lines from a byte stream that is delivered in chunks of arbitrary size.

A line is everything up to a '\n'. A chunk may contain many lines, part of a line, or a terminator that finishes a line
started several chunks earlier. Partial lines are buffered until their terminator arrives and are never emitted on their own.
There is no limit on line length: a stream that never writes a terminator grows the buffer without bound.
*/
package framer
