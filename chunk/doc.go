// Package chunk defines the wire representation of a streamed turn.
//
// A stream is a gap-free sequence of chunks numbered from 0. Every chunk is a
// tagged JSON object:
//
//	{"seq":3,"type":"tool-call-start","timestamp":"2024-05-01T10:00:00.000Z","payload":{"call_id":"c1","name":"createDocument"}}
//
// The type tag selects one of the payloads declared here: TextDelta,
// ReasoningDelta, ToolCallStart, ToolCallDelta, ToolResult, Finish and Error.
// A stream always ends with exactly one Finish or Error chunk.
//
// Key concepts:
//   - Chunks are pure data. Sequence numbers are assigned by the producer at
//     the moment a chunk is appended, never by the codec.
//   - Encoder and Decoder frame chunks either as newline delimited JSON or with
//     a 4 byte big endian length prefix, selected with a Framing value.
//   - Tool failures travel as a ToolResult carrying a ToolError rather than as
//     an Error chunk; Error chunks are reserved for failures that end the turn.
package chunk
