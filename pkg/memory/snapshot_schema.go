package memory

// SnapshotSchema is the JSON Schema a snapshot file must satisfy. It accepts
// the versioned document and the legacy bare array of records.
const SnapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "record": {
      "type": "object",
      "required": ["embedding", "first_seen", "last_seen", "seen_count", "stability"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "embedding": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "number" }
        },
        "first_seen": { "type": "number" },
        "last_seen": { "type": "number" },
        "seen_count": {
          "type": "integer",
          "minimum": 1
        },
        "stability": {
          "type": "number",
          "minimum": 0,
          "maximum": 1
        }
      }
    },
    "document": {
      "type": "object",
      "required": ["version", "records"],
      "properties": {
        "version": {
          "type": "integer",
          "minimum": 1
        },
        "saved_at": { "type": "number" },
        "dimension": {
          "type": "integer",
          "minimum": 0
        },
        "records": {
          "type": "array",
          "items": { "$ref": "#/definitions/record" }
        }
      }
    },
    "legacy": {
      "type": "array",
      "items": { "$ref": "#/definitions/record" }
    }
  },
  "oneOf": [
    { "$ref": "#/definitions/document" },
    { "$ref": "#/definitions/legacy" }
  ]
}`
