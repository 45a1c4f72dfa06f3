package filemap

// schemaJSON is the structural (not byte-invariant) JSON Schema a raw
// filemap document must satisfy before the strict Go-level invariant checks
// in Validate run. It catches malformed documents (wrong types, missing
// required keys) with a readable error instead of a panic deep in the
// resolver.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "files"],
  "properties": {
    "version": {"type": "integer"},
    "files": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["size", "sha256"],
        "properties": {
          "size": {"type": "integer", "minimum": 0},
          "sha256": {"type": "string"},
          "cdn_file": {"type": "string"},
          "shards": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["file", "offset", "size"],
              "properties": {
                "file": {"type": "string"},
                "offset": {"type": "integer", "minimum": 0},
                "size": {"type": "integer", "minimum": 0},
                "sha256": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "manifests": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["files", "size"],
        "properties": {
          "files": {"type": "array", "items": {"type": "string"}},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    },
    "gguf_metadata": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "architecture": {"type": "string"},
          "kind": {"type": "string", "enum": ["llm", "mmproj"]},
          "quantization": {"type": "string"}
        }
      }
    }
  }
}`
