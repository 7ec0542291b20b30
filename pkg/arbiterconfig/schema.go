// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package arbiterconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kraklabs/arbiter/pkg/artifact"
)

// runConfigSchema, modelCatalogSchema, and promptManifestSchema are the
// three JSON Schemas the resolver validates incoming documents against,
// per spec.md §4.2 ("Validates each document against its JSON Schema and
// fails with a joined list of violations on mismatch").
const runConfigSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["run", "sampling", "protocol", "execution", "measurement", "output"],
  "properties": {
    "run": {
      "type": "object",
      "required": ["seed", "question"],
      "properties": {
        "question": {"type": "string", "minLength": 1}
      }
    },
    "sampling": {
      "type": "object",
      "required": ["models", "personas", "protocols"],
      "properties": {
        "models": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/weightedRef"}},
        "personas": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/weightedRef"}},
        "protocols": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/weightedRef"}},
        "instruments": {"type": "array", "items": {"$ref": "#/definitions/weightedRef"}}
      }
    },
    "protocol": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["independent", "debate_v1"]}
      }
    },
    "execution": {
      "type": "object",
      "required": ["k_max", "batch_size", "workers", "stop_mode", "k_min", "k_min_count_rule"],
      "properties": {
        "k_max": {"type": "integer", "minimum": 1},
        "batch_size": {"type": "integer", "minimum": 1},
        "workers": {"type": "integer", "minimum": 1},
        "stop_mode": {"enum": ["advisor", "enforcer"]},
        "k_min_count_rule": {"enum": ["k_eligible", "k_attempted"]}
      }
    },
    "measurement": {
      "type": "object",
      "required": ["embedding_model", "embed_text_strategy", "novelty_threshold"],
      "properties": {
        "embed_text_strategy": {"enum": ["outcome_only", "outcome_or_raw_assistant"]},
        "novelty_threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "output": {
      "type": "object",
      "required": ["runs_dir"],
      "properties": {
        "runs_dir": {"type": "string", "minLength": 1}
      }
    }
  },
  "definitions": {
    "weightedRef": {
      "type": "object",
      "required": ["id", "weight"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "weight": {"type": "number", "minimum": 0}
      }
    }
  }
}`

const modelCatalogSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["models"],
  "properties": {
    "models": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["slug", "tier"],
        "properties": {
          "slug": {"type": "string", "minLength": 1},
          "tier": {"enum": ["free", "standard", "aliased"]}
        }
      }
    }
  }
}`

const promptManifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["entries"],
  "properties": {
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "kind", "path", "sha256"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["persona", "protocol", "instrument"]},
          "path": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "minLength": 64, "maxLength": 64}
        }
      }
    }
  }
}`

const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": [
    "schema_version", "arbiter_version", "run_id", "started_at",
    "stop_reason", "stopping_mode", "incomplete",
    "k_planned", "k_attempted", "k_eligible", "k_min", "k_min_count_rule",
    "hash_algorithm", "config_sha256", "plan_sha256",
    "model_catalog_sha256", "prompt_manifest_sha256", "artifacts", "policy"
  ],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "run_id": {"type": "string", "minLength": 1},
    "stop_reason": {"enum": ["completed", "converged", "k_max_reached", "user_interrupt", "error"]},
    "stopping_mode": {"enum": ["resolve_only", "advisor", "enforcer"]},
    "hash_algorithm": {"const": "sha256"},
    "k_planned": {"type": "integer", "minimum": 0},
    "k_attempted": {"type": "integer", "minimum": 0},
    "k_eligible": {"type": "integer", "minimum": 0},
    "k_min": {"type": "integer", "minimum": 0},
    "k_min_count_rule": {"enum": ["k_eligible", "k_attempted"]},
    "config_sha256": {"type": "string", "minLength": 64, "maxLength": 64},
    "plan_sha256": {"type": "string", "minLength": 64, "maxLength": 64},
    "model_catalog_sha256": {"type": "string", "minLength": 64, "maxLength": 64},
    "prompt_manifest_sha256": {"type": "string", "minLength": 64, "maxLength": 64},
    "artifacts": {"type": "array", "items": {"$ref": "#/definitions/artifactEntry"}},
    "policy": {"$ref": "#/definitions/policySnapshot"}
  },
  "definitions": {
    "artifactEntry": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": {"type": "string", "minLength": 1}
      }
    },
    "policySnapshot": {
      "type": "object",
      "required": ["strict", "allow_free", "allow_aliased", "contract_failure_policy"],
      "properties": {
        "contract_failure_policy": {"enum": ["warn", "exclude", "fail"]}
      }
    }
  }
}`

type compiledSchema struct {
	*jsonschema.Schema
}

func compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("arbiterconfig: add schema resource %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("arbiterconfig: compile schema %s: %w", name, err)
	}
	return s, nil
}

// validateAgainst validates v (any JSON-marshalable document) against the
// named embedded schema, returning a single joined error describing every
// violation found, per spec.md §4.2.
func validateAgainst(schemaName, schemaJSON string, v any) error {
	s, err := compile(schemaName, schemaJSON)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("arbiterconfig: marshal document for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("arbiterconfig: unmarshal document for validation: %w", err)
	}

	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.Join(flattenValidationErrors(ve)...)
		}
		return err
	}
	return nil
}

// flattenValidationErrors turns jsonschema's tree of causes into a flat
// list of single-line errors, each naming the offending JSON pointer.
func flattenValidationErrors(ve *jsonschema.ValidationError) []error {
	var out []error
	if len(ve.Causes) == 0 {
		out = append(out, fmt.Errorf("%s: %s", ve.InstanceLocation, ve.Message))
		return out
	}
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationErrors(cause)...)
	}
	return out
}

// ValidateRunConfig validates a RunConfig document against its schema.
func ValidateRunConfig(cfg *RunConfig) error {
	return validateAgainst("run_config.json", runConfigSchemaJSON, cfg)
}

// ValidateModelCatalog validates a ModelCatalog document against its schema.
func ValidateModelCatalog(cat *ModelCatalog) error {
	return validateAgainst("model_catalog.json", modelCatalogSchemaJSON, cat)
}

// ValidatePromptManifest validates a PromptManifest document against its schema.
func ValidatePromptManifest(pm *PromptManifest) error {
	return validateAgainst("prompt_manifest.json", promptManifestSchemaJSON, pm)
}

// ValidateManifest validates a run manifest document against its schema.
// Used by pkg/verify to re-check manifest.json after the fact, per spec.md
// §4.14.
func ValidateManifest(m *artifact.Manifest) error {
	return validateAgainst("manifest.json", manifestSchemaJSON, m)
}
