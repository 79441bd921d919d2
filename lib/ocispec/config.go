// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package ocispec

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ImageConfig is the per-image configuration document. It names the
// digest algorithm of the blob store, the target architecture and OS,
// and points at the image's file_table blob (required) and the
// optional system configuration blob.
type ImageConfig struct {
	SchemaVersion     int               `json:"schemaVersion"`
	MediaType         string            `json:"mediaType"`
	ResourceDigestAlg string            `json:"resource_digest_alg"`
	Description       string            `json:"description,omitempty"`
	Created           string            `json:"created,omitempty"`
	Architecture      string            `json:"architecture"`
	OS                string            `json:"os,omitempty"`
	OSVersion         string            `json:"os.version,omitempty"`
	SysConfig         *Descriptor       `json:"sys_config,omitempty"`
	FileTable         Descriptor        `json:"file_table"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// ParseConfig parses and validates an image config document. The
// file_table descriptor is required and must be structurally valid;
// whether it resolves to a readable blob is checked at deployment
// time against the blob store.
func ParseConfig(data []byte) (*ImageConfig, error) {
	var config ImageConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: parsing image config: %v", ErrSchemaViolation, err)
	}
	if config.SchemaVersion != 1 {
		return nil, fmt.Errorf("%w: image config schemaVersion is %d, want 1",
			ErrSchemaViolation, config.SchemaVersion)
	}
	if config.MediaType != MediaTypeImageConfig {
		return nil, fmt.Errorf("%w: image config mediaType is %q, want %q",
			ErrSchemaViolation, config.MediaType, MediaTypeImageConfig)
	}
	if config.ResourceDigestAlg != DigestAlgorithm {
		return nil, fmt.Errorf("%w: image config resource_digest_alg is %q, only %q is supported",
			ErrSchemaViolation, config.ResourceDigestAlg, DigestAlgorithm)
	}
	if config.Architecture == "" {
		return nil, fmt.Errorf("%w: image config is missing architecture", ErrSchemaViolation)
	}
	if err := config.FileTable.Validate(); err != nil {
		return nil, fmt.Errorf("image config file_table: %w", err)
	}
	if config.SysConfig != nil {
		if err := config.SysConfig.Validate(); err != nil {
			return nil, fmt.Errorf("image config sys_config: %w", err)
		}
	}
	return &config, nil
}

// MarshalCanonical serializes the config to its canonical JSON form.
func (c *ImageConfig) MarshalCanonical() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling image config: %w", err)
	}
	return data, nil
}

// SysConfig is the optional declarative system configuration attached
// to an image. It is stored as a YAML blob and treated as opaque
// key/value data by the toolkit.
type SysConfig struct {
	SchemaVersion int            `yaml:"schemaVersion"`
	ECUID         string         `yaml:"ecu_id,omitempty"`
	Settings      map[string]any `yaml:"settings,omitempty"`
}

// ParseSysConfig parses a sys_config YAML blob.
func ParseSysConfig(data []byte) (*SysConfig, error) {
	var config SysConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: parsing sys_config: %v", ErrSchemaViolation, err)
	}
	return &config, nil
}
