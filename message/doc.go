// Package message implements the MOP message model: a schema-less JSON
// object carrying a reserved envelope with routing metadata, dotted-path
// accessors for hierarchical body fields, selective field-level encryption,
// and the wire serialization frame.
//
// A message frames on the wire as the UTF-8 byte stream
//
//	[[[<B>]<json>]]
//
// where <B> is the byte length of <json> encoded with the codec's private
// base-64 alphabet. The envelope lives under the reserved key
// "-={([env])}=-" and holds the from/to/type/id/reply/expect routing
// attributes; any encrypted fields are collected into a ciphertext stored
// at the envelope's "secure" attribute.
//
// Messages are mutable until sent and must be treated as immutable
// afterwards; violating this produces undefined routing results.
package message
