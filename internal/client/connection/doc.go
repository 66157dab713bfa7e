// Package connection is the network command layer of the client.
//
// Cmds lists the authenticated commands used by the sync engine. GRPCClient
// sends them to a server over gRPC with a CBOR codec and a per call EdDSA
// token; Server exposes any Cmds implementation the same way. Transport
// failures come back as *Error, business outcomes as the Status of each
// reply.
package connection
