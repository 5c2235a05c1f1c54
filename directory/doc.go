// Package directory implements the bootstrap directory sites use to find
// each other before any component-level traffic: a key/value service reached
// over a line protocol, one command per line and one reply per line.
//
//	lookup <key>          ok <value> | error <message>
//	put <key> <value>     ok
//	remove <key>          ok
//	shutdown              ok
//
// Keys are single tokens; a put value is the rest of the line. Any reply not
// starting with "ok" is a failure carrying the rest of the line.
//
// Entries live in a Store: MemoryStore for a directory owned by one site
// process, KVStore to keep them in a NATS KV bucket. Barrier builds the
// cross-site rendezvous of the distributed CVM on put and polled lookups.
package directory
