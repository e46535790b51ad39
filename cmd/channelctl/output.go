package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Formatter renders command results.
type Formatter interface {
	Format(data any) (string, error)
}

func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return jsonFormatter{}, nil
	case "yaml", "yml":
		return yamlFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want json or yaml)", format)
}

type jsonFormatter struct{}

func (jsonFormatter) Format(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format json: %w", err)
	}
	return string(b) + "\n", nil
}

type yamlFormatter struct{}

func (yamlFormatter) Format(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("format yaml: %w", err)
	}
	return string(b), nil
}
