// Package transport implements the MOP wire framing: extracting message
// frames of the form "[[[<length>]<json>]]" from a TCP byte stream that
// may arrive chopped at arbitrary boundaries, and recovering after
// garbage, truncated frames, or oversize frames.
package transport
