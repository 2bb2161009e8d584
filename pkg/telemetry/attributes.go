// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ParseResourceAttributes parses "key=value" pairs separated by commas,
// such as "deployment=prod,cell=enam-1", into resource attributes sorted
// by key. A repeated key keeps its last value.
func ParseResourceAttributes(input string) ([]attribute.KeyValue, error) {
	byKey := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty attribute key in %q", pair)
		}
		byKey[key] = strings.TrimSpace(value)
	}

	out := make([]attribute.KeyValue, 0, len(byKey))
	for k, v := range byKey {
		out = append(out, attribute.String(k, v))
	}
	slices.SortFunc(out, func(a, b attribute.KeyValue) int {
		return strings.Compare(string(a.Key), string(b.Key))
	})
	return out, nil
}
