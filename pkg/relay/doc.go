// Package relay provides the hand-off primitives shared by the serial and
// network relay tasks.
//
// Bytes move between tasks as Chunks. A Chunk is a fixed-capacity buffer
// owned by exactly one party at a time: the producer takes it from a Pool,
// fills it with a single transport read and sends it over a Channel; the
// consumer writes it out and releases it back to its Pool. A buffer is
// therefore never read into while a view of it is still outstanding.
package relay
